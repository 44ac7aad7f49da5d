package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nbf-stay/smartqr-api/internal/dto"
	"github.com/nbf-stay/smartqr-api/internal/service"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
	"github.com/nbf-stay/smartqr-api/pkg/middleware/requestid"
	"github.com/nbf-stay/smartqr-api/pkg/response"
)

type exportService interface {
	ExportBatch(ctx context.Context, req dto.ExportRequest) (*service.ExportResult, error)
	CreateJob(ctx context.Context, req dto.ExportRequest, actorID string) (*dto.ExportJobResponse, error)
	GetStatus(ctx context.Context, id string) (*dto.ExportStatusResponse, error)
	ResolveDownload(ctx context.Context, token string) (*service.ExportDownload, error)
}

// ExportHandler exposes bulk export endpoints.
type ExportHandler struct {
	exports exportService
	metrics *service.MetricsService
}

// NewExportHandler constructs handler.
func NewExportHandler(exports exportService, metrics *service.MetricsService) *ExportHandler {
	return &ExportHandler{exports: exports, metrics: metrics}
}

// Export godoc
// @Summary Export selected codes as a multi-page poster document
// @Description Synchronous mode streams the PDF; async mode returns a job id.
// @Tags Exports
// @Accept json
// @Produce application/pdf
// @Param payload body dto.ExportRequest true "Selected code ids in page order"
// @Success 200 {file} binary
// @Success 202 {object} response.Envelope "Async job accepted"
// @Router /qr-codes/export [post]
func (h *ExportHandler) Export(c *gin.Context) {
	var req dto.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}

	if req.Async {
		job, err := h.exports.CreateJob(c.Request.Context(), req, requestid.Value(c))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, http.StatusAccepted, job, nil)
		return
	}

	result, err := h.exports.ExportBatch(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.AddExportPages(result.PageCount)

	c.Header("X-Export-Pages", strconv.Itoa(result.PageCount))
	c.Header("X-Export-Failed", strconv.Itoa(len(result.Failed)))
	for _, failed := range result.Failed {
		// c.Header is a Set; Add keeps one header value per skipped code.
		c.Writer.Header().Add("X-Export-Failed-Code", failed.Code)
	}
	c.Header("Content-Disposition", `attachment; filename="qr-posters.pdf"`)
	c.Data(http.StatusOK, "application/pdf", result.Document)
}

// Status godoc
// @Summary Async export job status
// @Tags Exports
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /exports/jobs/{id} [get]
func (h *ExportHandler) Status(c *gin.Context) {
	status, err := h.exports.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Download godoc
// @Summary Download a finished export document via signed token
// @Tags Exports
// @Produce application/pdf
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Router /exports/download/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	download, err := h.exports.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, download.Filename))
	c.Header("Content-Type", "application/pdf")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, download.File); err != nil {
		_ = c.Error(err)
	}
}
