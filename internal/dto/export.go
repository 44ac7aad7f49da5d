package dto

import "github.com/nbf-stay/smartqr-api/internal/models"

// ExportRequest captures POST /qr-codes/export payload. Page order in the
// produced document follows the order of IDs as given.
type ExportRequest struct {
	CodeIDs []string `json:"code_ids" validate:"required,min=1,dive,required"`
	Async   bool     `json:"async"`
}

// ExportJobResponse is returned after enqueueing an asynchronous export.
type ExportJobResponse struct {
	ID       string              `json:"id"`
	Status   models.ExportStatus `json:"status"`
	Progress int                 `json:"progress"`
}

// ExportStatusResponse exposes job progress and the signed download URL
// once the document is ready.
type ExportStatusResponse struct {
	ID          string                `json:"id"`
	Status      models.ExportStatus   `json:"status"`
	Progress    int                   `json:"progress"`
	PageCount   int                   `json:"page_count"`
	FailedCodes models.FailedCodeList `json:"failed_codes,omitempty"`
	DownloadURL *string               `json:"download_url,omitempty"`
	Error       *string               `json:"error,omitempty"`
}
