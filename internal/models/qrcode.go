package models

import "time"

// CodeStatus captures the lifecycle state of a printed QR code.
type CodeStatus string

const (
	CodeStatusUnused   CodeStatus = "UNUSED"
	CodeStatusActive   CodeStatus = "ACTIVE"
	CodeStatusDisabled CodeStatus = "DISABLED"
)

// QRCode represents one physical sticker tracked in the qr_codes table.
// A code is ACTIVE exactly when assigned_user_id is set; codes are never
// reused after being disabled.
type QRCode struct {
	ID             string     `db:"id" json:"id"`
	Code           string     `db:"code" json:"code"`
	Status         CodeStatus `db:"status" json:"status"`
	AssignedUserID *string    `db:"assigned_user_id" json:"assigned_user_id,omitempty"`
	IsDownloaded   bool       `db:"is_downloaded" json:"is_downloaded"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// CodeFilter captures filtering criteria for listing codes.
type CodeFilter struct {
	Status    *CodeStatus
	Prefix    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
