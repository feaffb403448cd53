// Package pipeline computes stage transitions, champion eligibility and audit tags
// for event memberships. Nothing here touches storage; callers persist the result.
package pipeline

import (
	"slices"
	"time"

	"github.com/rally-crm/backend/internal/models"
)

// championManualFloor is the engagement score a manual champion is raised to.
const championManualFloor = 5

// FormPayload is the optional intake form data the rules look at.
type FormPayload struct {
	RSVP bool `json:"rsvp"`
}

// Engine applies pipeline rules. The clock only feeds the audit tag date.
type Engine struct {
	now func() time.Time
}

// NewEngine returns an engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// NewEngineWithClock returns an engine with a fixed clock (tests, replays).
func NewEngineWithClock(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

func (e *Engine) today() string {
	return e.now().UTC().Format(time.DateOnly)
}

// ApplyIntakeRules runs the intake rules of ev against m and returns m.
//
// SOP entry and RSVP are independent checks evaluated in that order, so an RSVP
// overwrites the stage set by SOP entry. Champion is always recomputed from the
// criteria, replacing any manual flag. A rule:auto_<stage>@<date> tag is always appended.
func (e *Engine) ApplyIntakeRules(m *models.Membership, ev *models.Event, intakeSource string, form *FormPayload) *models.Membership {
	var rules models.PipelineRules
	if ev != nil && ev.PipelineRules != nil {
		rules = *ev.PipelineRules
	}

	if rules.AutoSopOnIntake && slices.Contains(rules.SopTriggers, intakeSource) {
		m.Stage = models.StageSOPEntry
		sourceTag := "source:" + intakeSource
		if !m.HasTag(sourceTag) {
			m.Tags = append(m.Tags, sourceTag)
		}
	}

	if slices.Contains(rules.RSVPTriggers, intakeSource) || (form != nil && form.RSVP) {
		m.Stage = models.StageRSVP
		m.RSVP = true
	}

	m.Champion = ShouldMarkChampion(m, rules.ChampionCriteria)
	m.Tags = append(m.Tags, "rule:auto_"+string(m.Stage)+"@"+e.today())
	return m
}

// ShouldMarkChampion is true when the engagement score reaches the threshold or any
// of criteria.TagsAny is on the membership.
func ShouldMarkChampion(m *models.Membership, criteria *models.ChampionCriteria) bool {
	if m.EngagementScore >= criteria.MinScore() {
		return true
	}
	if criteria == nil {
		return false
	}
	for _, tag := range criteria.TagsAny {
		if m.HasTag(tag) {
			return true
		}
	}
	return false
}

// ApplyPaid marks a payment of amount dollars. It is not idempotent: every call adds
// to the engagement score and appends an audit tag. Deduplicate deliveries before calling.
func (e *Engine) ApplyPaid(m *models.Membership, amount float64) *models.Membership {
	m.Paid = true
	m.Amount = amount
	m.Stage = models.StagePaid
	m.EngagementScore += 2
	m.Tags = append(m.Tags, "rule:auto_paid@"+e.today())
	return m
}

// ApplyAttended records a check-in.
func (e *Engine) ApplyAttended(m *models.Membership) *models.Membership {
	m.Stage = models.StageAttended
	m.EngagementScore++
	m.Tags = append(m.Tags, "rule:attended@"+e.today())
	return m
}

// MarkAsChampion is the manual override. The next ApplyIntakeRules call recomputes the
// flag from criteria and may clear it again.
func (e *Engine) MarkAsChampion(m *models.Membership, manualNote string) *models.Membership {
	m.Champion = true
	m.EngagementScore = max(m.EngagementScore, championManualFloor)
	if manualNote != "" {
		m.Tags = append(m.Tags, "champion:manual:"+manualNote)
	} else {
		m.Tags = append(m.Tags, "champion:manual@"+e.today())
	}
	return m
}

// AmountFromCents converts a provider amount in minor units to dollars.
func AmountFromCents(cents int64) float64 {
	return float64(cents) / 100
}
