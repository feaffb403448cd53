package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant running member-engagement events.
type Organization struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Slug             string          `json:"slug"`
	Mission          string          `json:"mission"`
	PipelineDefaults []string        `json:"pipeline_defaults"`
	AudienceDefaults json.RawMessage `json:"audience_defaults,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// OrganizationUser roles.
const (
	OrgRoleOwner = "owner"
	OrgRoleAdmin = "admin"
	OrgRoleStaff = "staff"
)

// OrganizationUser links a user to an organization with a role.
type OrganizationUser struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         uuid.UUID `json:"user_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
