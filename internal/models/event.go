package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMinEngagement applies when champion criteria omit min_engagement.
const DefaultMinEngagement = 3

// ChampionCriteria decides automatic champion eligibility for an event.
type ChampionCriteria struct {
	MinEngagement         *int     `json:"min_engagement,omitempty" yaml:"min_engagement,omitempty"`
	TagsAny               []string `json:"tags_any,omitempty" yaml:"tags_any,omitempty"`
	ManualOverrideAllowed *bool    `json:"manual_override_allowed,omitempty" yaml:"manual_override_allowed,omitempty"`
}

// MinScore returns the configured threshold or DefaultMinEngagement.
func (c *ChampionCriteria) MinScore() int {
	if c == nil || c.MinEngagement == nil {
		return DefaultMinEngagement
	}
	return *c.MinEngagement
}

// AllowsManualOverride is true unless explicitly disabled.
func (c *ChampionCriteria) AllowsManualOverride() bool {
	if c == nil || c.ManualOverrideAllowed == nil {
		return true
	}
	return *c.ManualOverrideAllowed
}

// PipelineRules configure how intake sources move memberships through the pipeline.
// Stored as JSONB on the event; the rules engine only reads them.
type PipelineRules struct {
	AutoSopOnIntake  bool              `json:"auto_sop_on_intake" yaml:"auto_sop_on_intake"`
	SopTriggers      []string          `json:"sop_triggers" yaml:"sop_triggers"`
	RSVPTriggers     []string          `json:"rsvp_triggers" yaml:"rsvp_triggers"`
	PaidTriggers     []string          `json:"paid_triggers" yaml:"paid_triggers"`
	ChampionCriteria *ChampionCriteria `json:"champion_criteria,omitempty" yaml:"champion_criteria,omitempty"`
}

// Event belongs to an organization and owns the memberships of its attendees.
type Event struct {
	ID               uuid.UUID      `json:"id"`
	OrganizationID   uuid.UUID      `json:"organization_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Location         string         `json:"location"`
	StartsAt         *time.Time     `json:"starts_at,omitempty"`
	EndsAt           *time.Time     `json:"ends_at,omitempty"`
	TicketPriceCents int            `json:"ticket_price_cents"`
	Currency         string         `json:"currency"`
	Pipelines        []string       `json:"pipelines,omitempty"`
	PipelineRules    *PipelineRules `json:"pipeline_rules,omitempty"`
	CreatedBy        uuid.UUID      `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Criteria returns the event's champion criteria, nil when rules are absent.
func (e *Event) Criteria() *ChampionCriteria {
	if e == nil || e.PipelineRules == nil {
		return nil
	}
	return e.PipelineRules.ChampionCriteria
}
