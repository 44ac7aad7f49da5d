package models

import "time"

// User mirrors the user directory owned by the main platform. This
// subsystem only reads identity fields and maintains the assigned-code
// pointer; everything else about users lives elsewhere.
type User struct {
	ID           string    `db:"id" json:"id"`
	FullName     string    `db:"full_name" json:"full_name"`
	AssignedQRID *string   `db:"assigned_qr_id" json:"assigned_qr_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
