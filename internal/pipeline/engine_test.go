package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rally-crm/backend/internal/models"
)

var fixedNow = time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)

func testEngine() *Engine {
	return NewEngineWithClock(func() time.Time { return fixedNow })
}

func newMembership() *models.Membership {
	return &models.Membership{Stage: models.StageSOPEntry, Tags: []string{}}
}

func defaultEvent() *models.Event {
	rules := DefaultRules()
	return &models.Event{Name: "Saturday run club", PipelineRules: &rules}
}

func intPtr(n int) *int { return &n }

func countTag(tags []string, tag string) int {
	n := 0
	for _, t := range tags {
		if t == tag {
			n++
		}
	}
	return n
}

func TestShouldMarkChampion(t *testing.T) {
	tests := []struct {
		name     string
		score    int
		tags     []string
		criteria *models.ChampionCriteria
		want     bool
	}{
		{"nothing", 0, nil, &models.ChampionCriteria{MinEngagement: intPtr(3)}, false},
		{"score at threshold", 3, nil, &models.ChampionCriteria{MinEngagement: intPtr(3)}, true},
		{"score below threshold", 2, nil, &models.ChampionCriteria{MinEngagement: intPtr(3)}, false},
		{"tag overlap", 0, []string{"vip", "runner"}, &models.ChampionCriteria{MinEngagement: intPtr(10), TagsAny: []string{"vip"}}, true},
		{"tag mismatch is case sensitive", 0, []string{"VIP"}, &models.ChampionCriteria{MinEngagement: intPtr(10), TagsAny: []string{"vip"}}, false},
		{"nil criteria defaults to three", 3, nil, nil, true},
		{"nil criteria below default", 2, nil, nil, false},
		{"missing min engagement defaults to three", 3, nil, &models.ChampionCriteria{}, true},
		{"zero threshold", 0, nil, &models.ChampionCriteria{MinEngagement: intPtr(0)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &models.Membership{EngagementScore: tt.score, Tags: tt.tags}
			assert.Equal(t, tt.want, ShouldMarkChampion(m, tt.criteria))
		})
	}
}

func TestApplyIntakeRules_LandingFormDefaultRules(t *testing.T) {
	e := testEngine()
	m := newMembership()
	m.Stage = models.StageRSVP

	e.ApplyIntakeRules(m, defaultEvent(), models.SourceLandingForm, nil)

	assert.Equal(t, models.StageSOPEntry, m.Stage)
	assert.Equal(t, 1, countTag(m.Tags, "source:landing_form"))
	assert.Equal(t, 1, countTag(m.Tags, "rule:auto_sop_entry@2026-03-14"))

	e.ApplyIntakeRules(m, defaultEvent(), models.SourceLandingForm, nil)

	assert.Equal(t, 1, countTag(m.Tags, "source:landing_form"), "source tag must not duplicate")
	assert.Equal(t, 2, countTag(m.Tags, "rule:auto_sop_entry@2026-03-14"), "audit tag appended on every call")
}

func TestApplyIntakeRules_FormRSVPWins(t *testing.T) {
	sources := []string{models.SourceLandingForm, "newsletter", ""}
	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			m := newMembership()
			testEngine().ApplyIntakeRules(m, defaultEvent(), src, &FormPayload{RSVP: true})
			assert.Equal(t, models.StageRSVP, m.Stage)
			assert.True(t, m.RSVP)
			assert.Equal(t, "rule:auto_rsvp@2026-03-14", m.Tags[len(m.Tags)-1])
		})
	}
}

func TestApplyIntakeRules_RSVPTriggerSource(t *testing.T) {
	rules := DefaultRules()
	rules.RSVPTriggers = []string{models.SourceQR}
	ev := &models.Event{PipelineRules: &rules}

	m := newMembership()
	testEngine().ApplyIntakeRules(m, ev, models.SourceQR, nil)

	assert.Equal(t, models.StageRSVP, m.Stage)
	assert.True(t, m.RSVP)
	// SOP entry fired first and left its source tag.
	assert.Contains(t, m.Tags, "source:qr")
}

func TestApplyIntakeRules_AutoSopDisabled(t *testing.T) {
	rules := DefaultRules()
	rules.AutoSopOnIntake = false
	m := newMembership()
	m.Stage = models.StagePaid

	testEngine().ApplyIntakeRules(m, &models.Event{PipelineRules: &rules}, models.SourceLandingForm, nil)

	assert.Equal(t, models.StagePaid, m.Stage)
	assert.NotContains(t, m.Tags, "source:landing_form")
	assert.Equal(t, []string{"rule:auto_paid@2026-03-14"}, m.Tags)
}

func TestApplyIntakeRules_MissingRules(t *testing.T) {
	t.Run("no rules keeps stage", func(t *testing.T) {
		m := newMembership()
		m.Stage = models.StageAttended
		testEngine().ApplyIntakeRules(m, &models.Event{}, models.SourceLandingForm, nil)
		assert.Equal(t, models.StageAttended, m.Stage)
		assert.False(t, m.Champion)
		assert.Equal(t, []string{"rule:auto_attended@2026-03-14"}, m.Tags)
	})
	t.Run("champion defaults to three", func(t *testing.T) {
		m := newMembership()
		m.EngagementScore = 3
		testEngine().ApplyIntakeRules(m, nil, models.SourceCSV, nil)
		assert.True(t, m.Champion)
	})
	t.Run("form rsvp still applies", func(t *testing.T) {
		m := newMembership()
		testEngine().ApplyIntakeRules(m, &models.Event{}, models.SourceCSV, &FormPayload{RSVP: true})
		assert.Equal(t, models.StageRSVP, m.Stage)
		assert.True(t, m.RSVP)
	})
}

func TestApplyIntakeRules_RecomputesManualChampion(t *testing.T) {
	e := testEngine()
	m := newMembership()
	e.MarkAsChampion(m, "")
	require.True(t, m.Champion)

	rules := DefaultRules()
	rules.ChampionCriteria.MinEngagement = intPtr(10)
	e.ApplyIntakeRules(m, &models.Event{PipelineRules: &rules}, models.SourceLandingForm, nil)

	assert.False(t, m.Champion, "criteria recomputation replaces the manual flag")
}

func TestApplyPaid_NotIdempotent(t *testing.T) {
	e := testEngine()
	m := newMembership()
	m.EngagementScore = 1

	e.ApplyPaid(m, 25)
	e.ApplyPaid(m, 25)

	assert.True(t, m.Paid)
	assert.Equal(t, 25.0, m.Amount)
	assert.Equal(t, models.StagePaid, m.Stage)
	assert.Equal(t, 5, m.EngagementScore)
	assert.Equal(t, 2, countTag(m.Tags, "rule:auto_paid@2026-03-14"))
}

func TestApplyAttended(t *testing.T) {
	m := newMembership()
	m.EngagementScore = 2
	testEngine().ApplyAttended(m)

	assert.Equal(t, models.StageAttended, m.Stage)
	assert.Equal(t, 3, m.EngagementScore)
	assert.Equal(t, []string{"rule:attended@2026-03-14"}, m.Tags)
}

func TestMarkAsChampion(t *testing.T) {
	tests := []struct {
		name      string
		start     int
		note      string
		wantScore int
		wantTag   string
	}{
		{"raises low score", 2, "", 5, "champion:manual@2026-03-14"},
		{"keeps high score", 8, "", 8, "champion:manual@2026-03-14"},
		{"with note", 0, "led warmups", 5, "champion:manual:led warmups"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMembership()
			m.EngagementScore = tt.start
			testEngine().MarkAsChampion(m, tt.note)
			assert.True(t, m.Champion)
			assert.Equal(t, tt.wantScore, m.EngagementScore)
			assert.Equal(t, []string{tt.wantTag}, m.Tags)
		})
	}
}

func TestAuditDateUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	e := NewEngineWithClock(func() time.Time { return time.Date(2026, 3, 15, 8, 0, 0, 0, loc) })
	m := newMembership()
	e.ApplyAttended(m)
	assert.Equal(t, "rule:attended@2026-03-14", m.Tags[0])
}

func TestLandingFormEndToEnd(t *testing.T) {
	m := newMembership()
	testEngine().ApplyIntakeRules(m, defaultEvent(), models.SourceLandingForm, &FormPayload{RSVP: false})

	assert.Equal(t, models.StageSOPEntry, m.Stage)
	assert.False(t, m.RSVP)
	assert.False(t, m.Champion)
	assert.Equal(t, []string{"source:landing_form", "rule:auto_sop_entry@2026-03-14"}, m.Tags)
}

func TestAmountFromCents(t *testing.T) {
	assert.Equal(t, 49.99, AmountFromCents(4999))
	assert.Equal(t, 0.0, AmountFromCents(0))
}
