package dto

import "github.com/nbf-stay/smartqr-api/internal/models"

// GenerateRequest captures POST /qr-codes/generate payload.
type GenerateRequest struct {
	Count  int    `json:"count" validate:"required,gt=0"`
	Prefix string `json:"prefix" validate:"required,alphanum,max=8"`
}

// GenerateResponse reports created records plus any per-unit failures.
// Partial success is explicit: Requested may exceed len(Codes).
type GenerateResponse struct {
	Requested int             `json:"requested"`
	Created   int             `json:"created"`
	Codes     []models.QRCode `json:"codes"`
	Exhausted int             `json:"exhausted,omitempty"`
}

// AssignRequest captures a scan or manual-entry assignment attempt.
type AssignRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

// AssignResponse echoes the bound code and the user's display name so the
// field agent can confirm the right account was linked.
type AssignResponse struct {
	Code     string `json:"code"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Released string `json:"released_code,omitempty"`
}
