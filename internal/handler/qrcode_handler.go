package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nbf-stay/smartqr-api/internal/dto"
	"github.com/nbf-stay/smartqr-api/internal/models"
	"github.com/nbf-stay/smartqr-api/internal/service"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
	"github.com/nbf-stay/smartqr-api/pkg/response"
)

type codeService interface {
	List(ctx context.Context, filter models.CodeFilter) ([]models.QRCode, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.QRCode, error)
	Revoke(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Poster(ctx context.Context, id string) ([]byte, error)
}

type generatorService interface {
	Generate(ctx context.Context, req dto.GenerateRequest) (*dto.GenerateResponse, error)
}

type assignmentService interface {
	Assign(ctx context.Context, req dto.AssignRequest) (*dto.AssignResponse, error)
}

// QRCodeHandler exposes the code inventory and assignment endpoints.
type QRCodeHandler struct {
	codes      codeService
	generator  generatorService
	assignment assignmentService
	metrics    *service.MetricsService
}

// NewQRCodeHandler constructs handler.
func NewQRCodeHandler(codes codeService, generator generatorService, assignment assignmentService, metrics *service.MetricsService) *QRCodeHandler {
	return &QRCodeHandler{codes: codes, generator: generator, assignment: assignment, metrics: metrics}
}

// Generate godoc
// @Summary Generate a batch of codes
// @Tags QR Codes
// @Accept json
// @Produce json
// @Param payload body dto.GenerateRequest true "Batch parameters"
// @Success 201 {object} response.Envelope
// @Router /qr-codes/generate [post]
func (h *QRCodeHandler) Generate(c *gin.Context) {
	var req dto.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}
	result, err := h.generator.Generate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.AddCodesGenerated(result.Created)
	response.Created(c, result)
}

// List godoc
// @Summary List codes
// @Tags QR Codes
// @Produce json
// @Param status query string false "Filter by status (UNUSED, ACTIVE, DISABLED)"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /qr-codes [get]
func (h *QRCodeHandler) List(c *gin.Context) {
	filter := models.CodeFilter{
		Prefix:    c.Query("prefix"),
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "pageSize", 20),
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
	}
	if raw := c.Query("status"); raw != "" {
		status := models.CodeStatus(raw)
		switch status {
		case models.CodeStatusUnused, models.CodeStatusActive, models.CodeStatusDisabled:
			filter.Status = &status
		default:
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown status"))
			return
		}
	}

	codes, pagination, err := h.codes.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, codes, pagination)
}

// Get godoc
// @Summary Get one code
// @Tags QR Codes
// @Produce json
// @Param id path string true "Code ID"
// @Success 200 {object} response.Envelope
// @Router /qr-codes/{id} [get]
func (h *QRCodeHandler) Get(c *gin.Context) {
	qr, err := h.codes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, qr, nil)
}

// Assign godoc
// @Summary Bind a scanned or typed code to a user
// @Tags QR Codes
// @Accept json
// @Produce json
// @Param payload body dto.AssignRequest true "Candidate code and user"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope "INVALID_FORMAT"
// @Failure 404 {object} response.Envelope "NOT_FOUND"
// @Failure 409 {object} response.Envelope "ALREADY_ASSIGNED / CONFLICT"
// @Router /qr-codes/assign [post]
func (h *QRCodeHandler) Assign(c *gin.Context) {
	var req dto.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}
	result, err := h.assignment.Assign(c.Request.Context(), req)
	if err != nil {
		h.metrics.RecordAssignment(assignmentOutcome(err))
		response.Error(c, err)
		return
	}
	h.metrics.RecordAssignment("bound")
	response.JSON(c, http.StatusOK, result, nil)
}

// Revoke godoc
// @Summary Disable an active code
// @Tags QR Codes
// @Produce json
// @Param id path string true "Code ID"
// @Success 204
// @Router /qr-codes/{id}/revoke [post]
func (h *QRCodeHandler) Revoke(c *gin.Context) {
	if err := h.codes.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Delete godoc
// @Summary Remove a code record entirely
// @Tags QR Codes
// @Produce json
// @Param id path string true "Code ID"
// @Success 204
// @Router /qr-codes/{id} [delete]
func (h *QRCodeHandler) Delete(c *gin.Context) {
	if err := h.codes.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Poster godoc
// @Summary Render the printable poster for one code
// @Tags QR Codes
// @Produce png
// @Param id path string true "Code ID"
// @Success 200 {file} binary
// @Router /qr-codes/{id}/poster [get]
func (h *QRCodeHandler) Poster(c *gin.Context) {
	png, err := h.codes.Poster(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.metrics.RecordPosterRender("failed")
		response.Error(c, err)
		return
	}
	h.metrics.RecordPosterRender("ok")
	c.Data(http.StatusOK, "image/png", png)
}

func assignmentOutcome(err error) string {
	switch appErrors.FromError(err).Code {
	case appErrors.ErrInvalidFormat.Code:
		return "invalid_format"
	case appErrors.ErrNotFound.Code:
		return "not_found"
	case appErrors.ErrAlreadyAssigned.Code:
		return "already_assigned"
	case appErrors.ErrConflict.Code:
		return "conflict"
	default:
		return "error"
	}
}
