package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jung-kurt/gofpdf"
	"go.uber.org/zap"

	"github.com/nbf-stay/smartqr-api/internal/dto"
	"github.com/nbf-stay/smartqr-api/internal/models"
	"github.com/nbf-stay/smartqr-api/internal/repository"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
	"github.com/nbf-stay/smartqr-api/pkg/jobs"
	"github.com/nbf-stay/smartqr-api/pkg/storage"
)

// A4 in millimetres; the poster's 2:3 aspect maps onto a 140x210 block
// centered on the page.
const (
	pageWidthMM    = 210.0
	pageHeightMM   = 297.0
	posterWidthMM  = 140.0
	posterHeightMM = 210.0
)

type exportCodeStore interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.QRCode, error)
	MarkDownloaded(ctx context.Context, id string) error
}

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// ExportResult is the outcome of a synchronous bulk export.
type ExportResult struct {
	Document  []byte
	PageCount int
	Failed    models.FailedCodeList
}

// ExportDownload aggregates resolved download data for an async job.
type ExportDownload struct {
	File      *os.File
	Filename  string
	ExpiresAt time.Time
}

// ExportService drives the poster renderer over selected codes and
// assembles the multi-page print document. Render failures are isolated
// per code: the batch continues, the report lists what was skipped, and
// only successfully rendered codes are marked downloaded.
type ExportService struct {
	codes     exportCodeStore
	posters   posterRenderer
	jobsRepo  exportJobStore
	queue     jobDispatcher
	store     *storage.LocalStorage
	signer    *storage.SignedURLSigner
	validator *validator.Validate
	logger    *zap.Logger
}

// NewExportService constructs ExportService. jobsRepo, queue, store and
// signer may be nil when only the synchronous path is wired.
func NewExportService(codes exportCodeStore, posters posterRenderer, jobsRepo exportJobStore, queue jobDispatcher, store *storage.LocalStorage, signer *storage.SignedURLSigner, validate *validator.Validate, logger *zap.Logger) *ExportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		codes:     codes,
		posters:   posters,
		jobsRepo:  jobsRepo,
		queue:     queue,
		store:     store,
		signer:    signer,
		validator: validate,
		logger:    logger,
	}
}

// ExportBatch renders the selected codes in the given order into one PDF.
func (s *ExportService) ExportBatch(ctx context.Context, req dto.ExportRequest) (*ExportResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export payload")
	}

	selected, err := s.codes.FindByIDs(ctx, req.CodeIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load codes")
	}
	if len(selected) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no matching codes")
	}

	result, err := s.buildDocument(ctx, selected)
	if err != nil {
		return nil, err
	}
	result.Failed = append(result.Failed, missingCodes(req.CodeIDs, selected)...)
	return result, nil
}

// missingCodes reports requested ids with no matching record. A typo in
// the selection shows up in the failure report instead of silently
// shrinking the document.
func missingCodes(requested []string, selected []models.QRCode) models.FailedCodeList {
	found := make(map[string]struct{}, len(selected))
	for _, qr := range selected {
		found[qr.ID] = struct{}{}
	}
	var missing models.FailedCodeList
	for _, id := range requested {
		if _, ok := found[id]; !ok {
			missing = append(missing, models.FailedCode{Code: id, Reason: "no such code id"})
		}
	}
	return missing
}

// buildDocument renders one page per code, in slice order. The document
// is assembled sequentially: one render in flight bounds memory and
// concurrent glyph fetches.
func (s *ExportService) buildDocument(ctx context.Context, selected []models.QRCode) (*ExportResult, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)

	result := &ExportResult{}
	rendered := make([]models.QRCode, 0, len(selected))

	for _, qr := range selected {
		if err := ctx.Err(); err != nil {
			// Caller walked away. Download flags for completed pages are
			// already consistent because marking happens after assembly.
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "export abandoned")
		}

		png, err := s.posters.RenderPNG(qr.Code)
		if err != nil {
			s.logger.Sugar().Warnw("poster render failed, skipping", "code", qr.Code, "error", err)
			result.Failed = append(result.Failed, models.FailedCode{Code: qr.Code, Reason: err.Error()})
			continue
		}

		pdf.AddPage()
		opts := gofpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader(qr.Code, opts, bytes.NewReader(png))
		x := (pageWidthMM - posterWidthMM) / 2
		y := (pageHeightMM - posterHeightMM) / 2
		pdf.ImageOptions(qr.Code, x, y, posterWidthMM, posterHeightMM, false, opts, 0, "")
		rendered = append(rendered, qr)
	}

	if len(rendered) > 0 {
		buf := &bytes.Buffer{}
		if err := pdf.Output(buf); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assemble document")
		}
		result.Document = buf.Bytes()
	}
	result.PageCount = len(rendered)

	for _, qr := range rendered {
		if err := s.codes.MarkDownloaded(ctx, qr.ID); err != nil {
			// The document is already produced; a tracker miss must not
			// invalidate it.
			s.logger.Sugar().Warnw("download tracking failed", "code", qr.Code, "error", err)
		}
	}

	return result, nil
}

// CreateJob persists an asynchronous export request and enqueues it.
func (s *ExportService) CreateJob(ctx context.Context, req dto.ExportRequest, actorID string) (*dto.ExportJobResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export payload")
	}
	job := &models.ExportJob{
		CodeIDs:   req.CodeIDs,
		Status:    models.ExportStatusQueued,
		CreatedBy: actorID,
	}
	if err := s.jobsRepo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "bulk_export"}); err != nil {
		status := models.ExportStatusFailed
		msg := "failed to enqueue job"
		now := time.Now().UTC()
		_ = s.jobsRepo.Update(ctx, job.ID, repository.UpdateExportJobParams{
			Status:       &status,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	return &dto.ExportJobResponse{ID: job.ID, Status: job.Status, Progress: job.Progress}, nil
}

// ProcessJob is the queue handler for one export job.
func (s *ExportService) ProcessJob(ctx context.Context, job jobs.Job) error {
	record, err := s.jobsRepo.GetByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load export job %s: %w", job.ID, err)
	}

	processing := models.ExportStatusProcessing
	if err := s.jobsRepo.Update(ctx, record.ID, repository.UpdateExportJobParams{Status: &processing}); err != nil {
		return fmt.Errorf("mark export job processing: %w", err)
	}

	selected, err := s.codes.FindByIDs(ctx, record.CodeIDs)
	if err != nil {
		return s.failJob(ctx, record.ID, fmt.Errorf("load codes: %w", err))
	}

	result, err := s.buildDocument(ctx, selected)
	if err != nil {
		return s.failJob(ctx, record.ID, err)
	}
	result.Failed = append(result.Failed, missingCodes(record.CodeIDs, selected)...)

	relPath := fmt.Sprintf("batches/%s.pdf", record.ID)
	if result.PageCount > 0 {
		if _, err := s.store.Save(relPath, result.Document); err != nil {
			return s.failJob(ctx, record.ID, err)
		}
	}

	finished := models.ExportStatusFinished
	progress := 100
	now := time.Now().UTC()
	params := repository.UpdateExportJobParams{
		Status:     &finished,
		Progress:   &progress,
		PageCount:  &result.PageCount,
		FinishedAt: &now,
	}
	if result.PageCount > 0 {
		params.FilePath = &relPath
	}
	if len(result.Failed) > 0 {
		params.FailedCodes = &result.Failed
	}
	if err := s.jobsRepo.Update(ctx, record.ID, params); err != nil {
		return fmt.Errorf("finish export job: %w", err)
	}
	s.logger.Sugar().Infow("export job finished", "job_id", record.ID, "pages", result.PageCount, "failed", len(result.Failed))
	return nil
}

func (s *ExportService) failJob(ctx context.Context, id string, cause error) error {
	failed := models.ExportStatusFailed
	msg := cause.Error()
	now := time.Now().UTC()
	if err := s.jobsRepo.Update(ctx, id, repository.UpdateExportJobParams{
		Status:       &failed,
		ErrorMessage: &msg,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Sugar().Errorw("failed to mark export job failed", "job_id", id, "error", err)
	}
	return cause
}

// GetStatus exposes job metadata plus a signed download URL when ready.
func (s *ExportService) GetStatus(ctx context.Context, id string) (*dto.ExportStatusResponse, error) {
	job, err := s.jobsRepo.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}

	resp := &dto.ExportStatusResponse{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		PageCount:   job.PageCount,
		FailedCodes: job.FailedCodes,
		Error:       job.ErrorMessage,
	}
	if job.Status == models.ExportStatusFinished && job.FilePath != nil && s.signer != nil {
		token, _, err := s.signer.Generate(job.ID, *job.FilePath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
		}
		url := fmt.Sprintf("/exports/download/%s", token)
		resp.DownloadURL = &url
	}
	return resp, nil
}

// ResolveDownload validates a signed token and opens the stored document.
func (s *ExportService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	jobID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "invalid download token")
	}
	job, err := s.jobsRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	if job.Status != models.ExportStatusFinished || job.FilePath == nil || *job.FilePath != relPath {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not available")
	}
	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open document")
	}
	return &ExportDownload{
		File:      file,
		Filename:  fmt.Sprintf("qr-posters-%s.pdf", jobID),
		ExpiresAt: expiresAt,
	}, nil
}

// RecoverQueued re-enqueues jobs that were queued when the process died.
func (s *ExportService) RecoverQueued(ctx context.Context, limit int) error {
	queued, err := s.jobsRepo.ListQueued(ctx, limit)
	if err != nil {
		return fmt.Errorf("list queued export jobs: %w", err)
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "bulk_export"}); err != nil {
			s.logger.Sugar().Warnw("failed to re-enqueue export job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
