package models

import (
	"time"

	"github.com/google/uuid"
)

// ImportJob status.
const (
	ImportStatusPending    = "pending"
	ImportStatusProcessing = "processing"
	ImportStatusCompleted  = "completed"
	ImportStatusFailed     = "failed"
)

// ImportJob tracks one uploaded CSV of contacts for an event.
type ImportJob struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	EventID        uuid.UUID `json:"event_id"`
	ObjectKey      string    `json:"object_key"`
	Filename       string    `json:"filename"`
	Status         string    `json:"status"`
	TotalRows      int       `json:"total_rows"`
	ImportedRows   int       `json:"imported_rows"`
	FailedRows     int       `json:"failed_rows"`
	Error          string    `json:"error,omitempty"`
	CreatedBy      uuid.UUID `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
