package models

import (
	"time"

	"github.com/google/uuid"
)

// Stage is a membership's position in an event pipeline.
type Stage string

const (
	StageSOPEntry Stage = "sop_entry"
	StageRSVP     Stage = "rsvp"
	StagePaid     Stage = "paid"
	StageAttended Stage = "attended"
	StageChampion Stage = "champion"
)

// Intake sources.
const (
	SourceLandingForm = "landing_form"
	SourceCSV         = "csv"
	SourceQR          = "qr"
	SourceAdminAdd    = "admin_add"
	SourceStripe      = "stripe"
)

// Membership joins one contact to one event and carries its pipeline state.
// Unique per (organization, event, contact). Tags are append-only and double as an audit log.
type Membership struct {
	ID              uuid.UUID `json:"id"`
	OrganizationID  uuid.UUID `json:"organization_id"`
	EventID         uuid.UUID `json:"event_id"`
	ContactID       uuid.UUID `json:"contact_id"`
	Stage           Stage     `json:"stage"`
	Tags            []string  `json:"tags"`
	Source          string    `json:"source"`
	RSVP            bool      `json:"rsvp"`
	Paid            bool      `json:"paid"`
	Amount          float64   `json:"amount"`
	Champion        bool      `json:"champion"`
	EngagementScore int       `json:"engagement_score"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasTag reports whether tag is present (exact match).
func (m *Membership) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
