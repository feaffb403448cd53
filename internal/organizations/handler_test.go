package organizations

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
)

type memStore struct {
	orgs  map[uuid.UUID]*models.Organization
	roles map[[2]uuid.UUID]string
}

func newMemStore() *memStore {
	return &memStore{orgs: map[uuid.UUID]*models.Organization{}, roles: map[[2]uuid.UUID]string{}}
}

func (s *memStore) GetUserRole(_ context.Context, orgID, userID uuid.UUID) (string, error) {
	return s.roles[[2]uuid.UUID{orgID, userID}], nil
}

func (s *memStore) Create(_ context.Context, org *models.Organization) error {
	for _, o := range s.orgs {
		if o.Slug == org.Slug {
			return ErrSlugTaken
		}
	}
	org.ID = uuid.New()
	if len(org.PipelineDefaults) == 0 {
		org.PipelineDefaults = []string{"sop_entry", "rsvp", "paid", "attended", "champion"}
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	o, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) GetBySlug(_ context.Context, slug string) (*models.Organization, error) {
	for _, o := range s.orgs {
		if o.Slug == slug {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) Update(_ context.Context, org *models.Organization) error {
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *memStore) AddUser(_ context.Context, orgID, userID uuid.UUID, role string) error {
	s.roles[[2]uuid.UUID{orgID, userID}] = role
	return nil
}

func (s *memStore) ListOrganizationsForUser(_ context.Context, userID uuid.UUID) ([]*models.Organization, error) {
	var out []*models.Organization
	for k := range s.roles {
		if k[1] == userID {
			out = append(out, s.orgs[k[0]])
		}
	}
	return out, nil
}

func (s *memStore) ListMembers(_ context.Context, orgID uuid.UUID) ([]Member, error) {
	var out []Member
	for k, role := range s.roles {
		if k[0] == orgID {
			out = append(out, Member{UserID: k[1], Role: role})
		}
	}
	return out, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newRouter(store *memStore, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(auth.ContextUserID, userID) })
	r.POST("/organizations", h.CreateOrganization)
	r.POST("/organizations/join", h.JoinOrganization)
	org := r.Group("/organizations/:id", RequireOrgAccess(store, nil))
	org.GET("", h.GetOrganization)
	org.PATCH("", h.UpdateOrganization)
	org.GET("/members", h.ListMembers)
	return r
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

func TestCreateAndUpdateOrganization(t *testing.T) {
	store := newMemStore()
	owner := uuid.New()
	r := newRouter(store, owner)

	w, env := do(r, http.MethodPost, "/organizations", map[string]any{"name": "Rally", "slug": "Rally-HQ", "mission": "organize"})
	require.Equal(t, http.StatusCreated, w.Code, env.Error)
	var org models.Organization
	require.NoError(t, json.Unmarshal(env.Data, &org))
	assert.Equal(t, "rally-hq", org.Slug)
	assert.Len(t, org.PipelineDefaults, 5)
	assert.Equal(t, models.OrgRoleOwner, store.roles[[2]uuid.UUID{org.ID, owner}])

	w, _ = do(r, http.MethodPost, "/organizations", map[string]any{"name": "Other", "slug": "rally-hq"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, env = do(r, http.MethodPatch, "/organizations/"+org.ID.String(), map[string]any{
		"mission":           "new mission",
		"pipeline_defaults": []string{"sop_entry", "paid"},
	})
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	assert.Equal(t, "new mission", store.orgs[org.ID].Mission)
	assert.Equal(t, []string{"sop_entry", "paid"}, store.orgs[org.ID].PipelineDefaults)
	assert.Equal(t, "Rally", store.orgs[org.ID].Name)

	w, _ = do(r, http.MethodPatch, "/organizations/"+org.ID.String(), map[string]any{"pipeline_defaults": []string{"paid", "paid"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateOrganizationRejectsBadSlug(t *testing.T) {
	r := newRouter(newMemStore(), uuid.New())
	w, _ := do(r, http.MethodPost, "/organizations", map[string]any{"name": "Rally", "slug": "-bad slug"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrgAccessAndJoin(t *testing.T) {
	store := newMemStore()
	owner, stranger := uuid.New(), uuid.New()
	org := &models.Organization{Name: "Rally", Slug: "rally"}
	require.NoError(t, store.Create(context.Background(), org))
	require.NoError(t, store.AddUser(context.Background(), org.ID, owner, models.OrgRoleOwner))

	r := newRouter(store, stranger)
	w, _ := do(r, http.MethodGet, "/organizations/"+org.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(r, http.MethodGet, "/organizations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodPost, "/organizations/join", map[string]any{"slug": "rally"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrgRoleStaff, store.roles[[2]uuid.UUID{org.ID, stranger}])

	w, _ = do(r, http.MethodGet, "/organizations/"+org.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// staff can read but not edit
	w, _ = do(r, http.MethodPatch, "/organizations/"+org.ID.String(), map[string]any{"mission": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env := do(r, http.MethodGet, "/organizations/"+org.ID.String()+"/members", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var members []Member
	require.NoError(t, json.Unmarshal(env.Data, &members))
	assert.Len(t, members, 2)

	// joining again keeps the owner's role
	r = newRouter(store, owner)
	w, _ = do(r, http.MethodPost, "/organizations/join", map[string]any{"slug": "rally"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrgRoleOwner, store.roles[[2]uuid.UUID{org.ID, owner}])
}
