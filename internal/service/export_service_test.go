package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbf-stay/smartqr-api/internal/dto"
	"github.com/nbf-stay/smartqr-api/internal/models"
	"github.com/nbf-stay/smartqr-api/internal/repository"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
	"github.com/nbf-stay/smartqr-api/pkg/jobs"
	"github.com/nbf-stay/smartqr-api/pkg/storage"
)

// gofpdf parses the embedded image, so the renderer stub must emit a
// structurally valid PNG.
func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 3))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	img.Set(0, 0, color.Black)
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

type trackingCodeStore struct {
	byID       map[string]models.QRCode
	downloaded []string
}

func (s *trackingCodeStore) FindByIDs(ctx context.Context, ids []string) ([]models.QRCode, error) {
	out := make([]models.QRCode, 0, len(ids))
	for _, id := range ids {
		if qr, ok := s.byID[id]; ok {
			out = append(out, qr)
		}
	}
	return out, nil
}

func (s *trackingCodeStore) MarkDownloaded(ctx context.Context, id string) error {
	s.downloaded = append(s.downloaded, id)
	return nil
}

type orderedRenderer struct {
	png      []byte
	failFor  map[string]bool
	rendered []string
}

func (r *orderedRenderer) RenderPNG(code string) ([]byte, error) {
	if r.failFor[code] {
		return nil, errors.New("glyph capacity exceeded")
	}
	r.rendered = append(r.rendered, code)
	return r.png, nil
}

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.ExportJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*models.ExportJob)}
}

func (s *memJobStore) Create(ctx context.Context, job *models.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) GetByID(ctx context.Context, id string) (*models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("export job %s not found", id)
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("export job %s not found", id)
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.Progress != nil {
		job.Progress = *params.Progress
	}
	if params.PageCount != nil {
		job.PageCount = *params.PageCount
	}
	if params.FailedCodes != nil {
		job.FailedCodes = *params.FailedCodes
	}
	if params.FilePath != nil {
		job.FilePath = params.FilePath
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

func (s *memJobStore) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExportJob, 0)
	for _, job := range s.jobs {
		if job.Status == models.ExportStatusQueued {
			out = append(out, *job)
		}
	}
	return out, nil
}

type recordQueue struct {
	enqueued []jobs.Job
	err      error
}

func (q *recordQueue) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, job)
	return nil
}

func threeCodeStore() *trackingCodeStore {
	return &trackingCodeStore{byID: map[string]models.QRCode{
		"id-a": {ID: "id-a", Code: "NBF_aaaa11", Status: models.CodeStatusUnused},
		"id-b": {ID: "id-b", Code: "NBF_bbbb22", Status: models.CodeStatusActive},
		"id-c": {ID: "id-c", Code: "NBF_cccc33", Status: models.CodeStatusUnused},
	}}
}

func TestExportBatchRendersInSelectionOrder(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{png: tinyPNG(t)}
	svc := NewExportService(store, renderer, nil, nil, nil, nil, nil, nil)

	result, err := svc.ExportBatch(context.Background(), dto.ExportRequest{CodeIDs: []string{"id-c", "id-a", "id-b"}})
	require.NoError(t, err)
	assert.Equal(t, 3, result.PageCount)
	assert.Empty(t, result.Failed)
	assert.Equal(t, []string{"NBF_cccc33", "NBF_aaaa11", "NBF_bbbb22"}, renderer.rendered)
	assert.True(t, bytes.HasPrefix(result.Document, []byte("%PDF")))
	assert.ElementsMatch(t, []string{"id-c", "id-a", "id-b"}, store.downloaded)
}

func TestExportBatchSkipsFailedRenders(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{png: tinyPNG(t), failFor: map[string]bool{"NBF_bbbb22": true}}
	svc := NewExportService(store, renderer, nil, nil, nil, nil, nil, nil)

	result, err := svc.ExportBatch(context.Background(), dto.ExportRequest{CodeIDs: []string{"id-a", "id-b", "id-c"}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.PageCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "NBF_bbbb22", result.Failed[0].Code)
	assert.NotEmpty(t, result.Failed[0].Reason)

	// A skipped code never counts as downloaded.
	assert.ElementsMatch(t, []string{"id-a", "id-c"}, store.downloaded)
}

func TestExportBatchAllRendersFail(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{failFor: map[string]bool{"NBF_aaaa11": true, "NBF_bbbb22": true, "NBF_cccc33": true}}
	svc := NewExportService(store, renderer, nil, nil, nil, nil, nil, nil)

	result, err := svc.ExportBatch(context.Background(), dto.ExportRequest{CodeIDs: []string{"id-a", "id-b", "id-c"}})
	require.NoError(t, err)
	assert.Zero(t, result.PageCount)
	assert.Empty(t, result.Document)
	assert.Len(t, result.Failed, 3)
	assert.Empty(t, store.downloaded)
}

func TestExportBatchReportsUnknownIDs(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{png: tinyPNG(t)}
	svc := NewExportService(store, renderer, nil, nil, nil, nil, nil, nil)

	result, err := svc.ExportBatch(context.Background(), dto.ExportRequest{CodeIDs: []string{"id-a", "id-ghost"}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PageCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "id-ghost", result.Failed[0].Code)
	assert.Equal(t, "no such code id", result.Failed[0].Reason)
}

func TestExportBatchRejectsEmptySelection(t *testing.T) {
	svc := NewExportService(threeCodeStore(), &orderedRenderer{}, nil, nil, nil, nil, nil, nil)

	_, err := svc.ExportBatch(context.Background(), dto.ExportRequest{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportBatchAbandonedContext(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{png: tinyPNG(t)}
	svc := NewExportService(store, renderer, nil, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.ExportBatch(ctx, dto.ExportRequest{CodeIDs: []string{"id-a", "id-b"}})
	require.Error(t, err)
	assert.Empty(t, store.downloaded, "an abandoned export must not flag anything downloaded")
}

func TestProcessJobFinishesAndStoresDocument(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{png: tinyPNG(t)}
	jobStore := newMemJobStore()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	svc := NewExportService(store, renderer, jobStore, &recordQueue{}, files, nil, nil, nil)

	job := &models.ExportJob{CodeIDs: []string{"id-a", "id-c"}, Status: models.ExportStatusQueued}
	require.NoError(t, jobStore.Create(context.Background(), job))

	require.NoError(t, svc.ProcessJob(context.Background(), jobs.Job{ID: job.ID, Type: "bulk_export"}))

	stored, err := jobStore.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFinished, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, 2, stored.PageCount)
	require.NotNil(t, stored.FilePath)
	assert.Equal(t, filepath.Join("batches", job.ID+".pdf"), filepath.FromSlash(*stored.FilePath))

	data, err := os.ReadFile(files.Path(*stored.FilePath))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestProcessJobRecordsPartialFailures(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{png: tinyPNG(t), failFor: map[string]bool{"NBF_bbbb22": true}}
	jobStore := newMemJobStore()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	svc := NewExportService(store, renderer, jobStore, &recordQueue{}, files, nil, nil, nil)

	job := &models.ExportJob{CodeIDs: []string{"id-a", "id-b", "id-c"}, Status: models.ExportStatusQueued}
	require.NoError(t, jobStore.Create(context.Background(), job))

	require.NoError(t, svc.ProcessJob(context.Background(), jobs.Job{ID: job.ID}))

	stored, err := jobStore.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFinished, stored.Status)
	assert.Equal(t, 2, stored.PageCount)
	require.Len(t, stored.FailedCodes, 1)
	assert.Equal(t, "NBF_bbbb22", stored.FailedCodes[0].Code)
}

func TestProcessJobRecordsUnknownIDs(t *testing.T) {
	store := threeCodeStore()
	renderer := &orderedRenderer{png: tinyPNG(t)}
	jobStore := newMemJobStore()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	svc := NewExportService(store, renderer, jobStore, &recordQueue{}, files, nil, nil, nil)

	job := &models.ExportJob{CodeIDs: []string{"id-a", "id-ghost"}, Status: models.ExportStatusQueued}
	require.NoError(t, jobStore.Create(context.Background(), job))

	require.NoError(t, svc.ProcessJob(context.Background(), jobs.Job{ID: job.ID}))

	stored, err := jobStore.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PageCount)
	require.Len(t, stored.FailedCodes, 1)
	assert.Equal(t, "id-ghost", stored.FailedCodes[0].Code)
}

func TestCreateJobEnqueueFailureMarksJobFailed(t *testing.T) {
	jobStore := newMemJobStore()
	queue := &recordQueue{err: errors.New("queue full")}
	svc := NewExportService(threeCodeStore(), &orderedRenderer{}, jobStore, queue, nil, nil, nil, nil)

	_, err := svc.CreateJob(context.Background(), dto.ExportRequest{CodeIDs: []string{"id-a"}}, "admin-1")
	require.Error(t, err)

	require.Len(t, jobStore.jobs, 1)
	for _, job := range jobStore.jobs {
		assert.Equal(t, models.ExportStatusFailed, job.Status)
		require.NotNil(t, job.ErrorMessage)
	}
}

func TestGetStatusSignsDownloadAndResolvesIt(t *testing.T) {
	jobStore := newMemJobStore()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("unit-test-secret", time.Hour)
	svc := NewExportService(threeCodeStore(), &orderedRenderer{}, jobStore, &recordQueue{}, files, signer, nil, nil)

	relPath := "batches/job-1.pdf"
	_, err = files.Save(relPath, []byte("%PDF-1.4 stub"))
	require.NoError(t, err)

	now := time.Now().UTC()
	job := &models.ExportJob{
		ID:         "job-1",
		CodeIDs:    []string{"id-a"},
		Status:     models.ExportStatusFinished,
		Progress:   100,
		PageCount:  1,
		FilePath:   &relPath,
		FinishedAt: &now,
	}
	require.NoError(t, jobStore.Create(context.Background(), job))

	status, err := svc.GetStatus(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, status.DownloadURL)
	assert.Contains(t, *status.DownloadURL, "/exports/download/")

	token := (*status.DownloadURL)[len("/exports/download/"):]
	download, err := svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, "qr-posters-job-1.pdf", download.Filename)
}

func TestGetStatusWhileQueuedHasNoDownload(t *testing.T) {
	jobStore := newMemJobStore()
	signer := storage.NewSignedURLSigner("unit-test-secret", time.Hour)
	svc := NewExportService(threeCodeStore(), &orderedRenderer{}, jobStore, &recordQueue{}, nil, signer, nil, nil)

	job := &models.ExportJob{CodeIDs: []string{"id-a"}, Status: models.ExportStatusQueued}
	require.NoError(t, jobStore.Create(context.Background(), job))

	status, err := svc.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, status.Status)
	assert.Nil(t, status.DownloadURL)
}

func TestResolveDownloadRejectsForgedToken(t *testing.T) {
	signer := storage.NewSignedURLSigner("unit-test-secret", time.Hour)
	svc := NewExportService(threeCodeStore(), &orderedRenderer{}, newMemJobStore(), &recordQueue{}, nil, signer, nil, nil)

	_, err := svc.ResolveDownload(context.Background(), "job-1.9999999999.cGF0aA.deadbeef")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestRecoverQueuedReenqueues(t *testing.T) {
	jobStore := newMemJobStore()
	queue := &recordQueue{}
	svc := NewExportService(threeCodeStore(), &orderedRenderer{}, jobStore, queue, nil, nil, nil, nil)

	require.NoError(t, jobStore.Create(context.Background(), &models.ExportJob{CodeIDs: []string{"id-a"}, Status: models.ExportStatusQueued}))
	require.NoError(t, jobStore.Create(context.Background(), &models.ExportJob{CodeIDs: []string{"id-b"}, Status: models.ExportStatusFinished}))

	require.NoError(t, svc.RecoverQueued(context.Background(), 10))
	assert.Len(t, queue.enqueued, 1)
}
