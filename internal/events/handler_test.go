package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/internal/pipeline"
)

type memEvents struct {
	events map[uuid.UUID]*models.Event
}

func (m *memEvents) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memEvents) Create(_ context.Context, e *models.Event) error {
	e.ID = uuid.New()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memEvents) ListByOrganization(_ context.Context, orgID uuid.UUID) ([]*models.Event, error) {
	var out []*models.Event
	for _, e := range m.events {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) Update(_ context.Context, e *models.Event) error {
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memEvents) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.events[id]; !ok {
		return ErrNotFound
	}
	delete(m.events, id)
	return nil
}

type roles map[uuid.UUID]string

func (r roles) GetUserRole(_ context.Context, orgID, _ uuid.UUID) (string, error) {
	return r[orgID], nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func setup(t *testing.T, presetsYAML string) (*gin.Engine, *memEvents, uuid.UUID) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	orgID := uuid.New()
	store := &memEvents{events: map[uuid.UUID]*models.Event{}}
	rl := roles{orgID: models.OrgRoleAdmin}

	presets := pipeline.Presets{pipeline.DefaultPresetName: pipeline.DefaultRules()}
	if presetsYAML != "" {
		parsed, err := pipeline.ParsePresets([]byte(presetsYAML))
		require.NoError(t, err)
		for k, v := range parsed {
			presets[k] = v
		}
	}
	h := NewHandler(store, presets, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(auth.ContextUserID, uuid.New()) })
	org := r.Group("/organizations/:id", organizations.RequireOrgAccess(rl, nil))
	org.POST("/events", h.Create)
	org.GET("/events", h.ListByOrganization)
	ev := r.Group("/events/:id", RequireEventOrgAccess(store, rl, nil))
	ev.GET("", h.GetByID)
	ev.PATCH("", h.Update)
	ev.DELETE("", h.Delete)
	return r, store, orgID
}

func do(r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestCreateEventDefaultsToDefaultPreset(t *testing.T) {
	r, _, orgID := setup(t, "")
	w, env := do(r, http.MethodPost, "/organizations/"+orgID.String()+"/events", map[string]any{
		"name":      "Spring Rally",
		"starts_at": "2026-04-01T18:00:00Z",
	})
	require.Equal(t, http.StatusCreated, w.Code, env.Error)

	var ev models.Event
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	require.NotNil(t, ev.PipelineRules)
	assert.True(t, ev.PipelineRules.AutoSopOnIntake)
	assert.Equal(t, []string{"stripe"}, ev.PipelineRules.PaidTriggers)
	assert.Equal(t, "usd", ev.Currency)
	assert.Equal(t, orgID, ev.OrganizationID)
}

func TestCreateEventWithNamedPreset(t *testing.T) {
	r, _, orgID := setup(t, `
presets:
  walk-in:
    auto_sop_on_intake: true
    sop_triggers: [qr]
    rsvp_triggers: [qr]
    champion_criteria:
      min_engagement: 1
`)
	w, env := do(r, http.MethodPost, "/organizations/"+orgID.String()+"/events", map[string]any{
		"name":         "Block party",
		"rules_preset": "walk-in",
	})
	require.Equal(t, http.StatusCreated, w.Code, env.Error)
	var ev models.Event
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, []string{"qr"}, ev.PipelineRules.RSVPTriggers)
	assert.Equal(t, 1, ev.PipelineRules.ChampionCriteria.MinScore())

	w, _ = do(r, http.MethodPost, "/organizations/"+orgID.String()+"/events", map[string]any{
		"name":         "Nope",
		"rules_preset": "missing",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateEventValidation(t *testing.T) {
	r, _, orgID := setup(t, "")
	path := "/organizations/" + orgID.String() + "/events"

	w, _ := do(r, http.MethodPost, path, map[string]any{"name": "x", "starts_at": "tomorrow"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodPost, path, map[string]any{
		"name": "x", "starts_at": "2026-04-02T00:00:00Z", "ends_at": "2026-04-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodPost, path, map[string]any{
		"name": "x", "rules_preset": "default", "pipeline_rules": map[string]any{"auto_sop_on_intake": true},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodPost, "/organizations/"+uuid.NewString()+"/events", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateAndDeleteEvent(t *testing.T) {
	r, store, orgID := setup(t, "")
	ev := &models.Event{OrganizationID: orgID, Name: "Old", Currency: "usd"}
	require.NoError(t, store.Create(context.Background(), ev))

	w, env := do(r, http.MethodPatch, "/events/"+ev.ID.String(), map[string]any{
		"name":      "New",
		"pipelines": []string{"sop_entry", "attended"},
		"pipeline_rules": map[string]any{
			"auto_sop_on_intake": false,
			"champion_criteria":  map[string]any{"manual_override_allowed": false},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	got := store.events[ev.ID]
	assert.Equal(t, "New", got.Name)
	assert.Equal(t, []string{"sop_entry", "attended"}, got.Pipelines)
	assert.False(t, got.Criteria().AllowsManualOverride())

	w, _ = do(r, http.MethodGet, "/events/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(r, http.MethodDelete, "/events/"+ev.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, store.events)
}
