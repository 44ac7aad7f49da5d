package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ExportStatus captures background export job lifecycle states.
type ExportStatus string

const (
	ExportStatusQueued     ExportStatus = "QUEUED"
	ExportStatusProcessing ExportStatus = "PROCESSING"
	ExportStatusFinished   ExportStatus = "FINISHED"
	ExportStatusFailed     ExportStatus = "FAILED"
)

// ExportJob is a persisted bulk-export request. The code list keeps the
// caller's selection order; pages of the produced document follow it.
type ExportJob struct {
	ID           string         `db:"id" json:"id"`
	CodeIDs      pq.StringArray `db:"code_ids" json:"code_ids"`
	Status       ExportStatus   `db:"status" json:"status"`
	Progress     int            `db:"progress" json:"progress"`
	PageCount    int            `db:"page_count" json:"page_count"`
	FailedCodes  FailedCodeList `db:"failed_codes" json:"failed_codes,omitempty"`
	FilePath     *string        `db:"file_path" json:"-"`
	CreatedBy    string         `db:"created_by" json:"created_by"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	FinishedAt   *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
}

// FailedCode records one code that could not be rendered during export.
type FailedCode struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// FailedCodeList is persisted as JSONB.
type FailedCodeList []FailedCode

// Value marshals the list to JSON for persistence.
func (l FailedCodeList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal failed codes: %w", err)
	}
	return string(data), nil
}

// Scan unmarshals the JSONB column.
func (l *FailedCodeList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported failed codes source %T", src)
	}
	return json.Unmarshal(raw, l)
}
