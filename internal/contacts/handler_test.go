package contacts

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
)

type memContacts struct {
	byID map[uuid.UUID]*models.Contact
}

func (m *memContacts) emailTaken(orgID uuid.UUID, email string, except uuid.UUID) bool {
	for _, ct := range m.byID {
		if ct.OrganizationID == orgID && ct.Email == email && ct.ID != except {
			return true
		}
	}
	return false
}

func (m *memContacts) Create(_ context.Context, ct *models.Contact) error {
	if m.emailTaken(ct.OrganizationID, ct.Email, uuid.Nil) {
		return ErrEmailTaken
	}
	ct.ID = uuid.New()
	cp := *ct
	m.byID[ct.ID] = &cp
	return nil
}

func (m *memContacts) GetByID(_ context.Context, id uuid.UUID) (*models.Contact, error) {
	ct, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ct
	return &cp, nil
}

func (m *memContacts) ListByOrganization(_ context.Context, orgID uuid.UUID, _ string, _, _ int) ([]*models.Contact, error) {
	var out []*models.Contact
	for _, ct := range m.byID {
		if ct.OrganizationID == orgID {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (m *memContacts) Update(_ context.Context, ct *models.Contact) error {
	if m.emailTaken(ct.OrganizationID, ct.Email, ct.ID) {
		return ErrEmailTaken
	}
	cp := *ct
	m.byID[ct.ID] = &cp
	return nil
}

func (m *memContacts) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.byID, id)
	return nil
}

type roles map[uuid.UUID]string

func (r roles) GetUserRole(_ context.Context, orgID, _ uuid.UUID) (string, error) {
	return r[orgID], nil
}

func setup() (*gin.Engine, *memContacts, uuid.UUID) {
	gin.SetMode(gin.TestMode)
	orgID := uuid.New()
	store := &memContacts{byID: map[uuid.UUID]*models.Contact{}}
	rl := roles{orgID: models.OrgRoleStaff}
	h := NewHandler(store, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(auth.ContextUserID, uuid.New()) })
	org := r.Group("/organizations/:id", organizations.RequireOrgAccess(rl, nil))
	org.POST("/contacts", h.Create)
	org.GET("/contacts", h.List)
	ct := r.Group("/contacts/:id", RequireContactOrgAccess(store, rl, nil))
	ct.GET("", h.Get)
	ct.PATCH("", h.Update)
	ct.DELETE("", h.Delete)
	return r, store, orgID
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestContactLifecycle(t *testing.T) {
	r, store, orgID := setup()
	base := "/organizations/" + orgID.String() + "/contacts"

	w := do(r, http.MethodPost, base, map[string]any{"name": "Ada", "email": "  Ada@Example.COM "})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, store.byID, 1)
	var id uuid.UUID
	for k, ct := range store.byID {
		id = k
		assert.Equal(t, "ada@example.com", ct.Email)
	}

	w = do(r, http.MethodPost, base, map[string]any{"email": "ada@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, base, map[string]any{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPatch, "/contacts/"+id.String(), map[string]any{"phone": "555-0100", "tags": []string{"volunteer"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "555-0100", store.byID[id].Phone)
	assert.Equal(t, []string{"volunteer"}, store.byID[id].Tags)

	w = do(r, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodDelete, "/contacts/"+id.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, store.byID)
}

func TestContactOtherOrgForbidden(t *testing.T) {
	r, store, _ := setup()
	other := &models.Contact{OrganizationID: uuid.New(), Email: "x@y.z"}
	require.NoError(t, store.Create(context.Background(), other))

	w := do(r, http.MethodGet, "/contacts/"+other.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/contacts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("a@b.co"))
	assert.False(t, ValidEmail("Ada <a@b.co>"))
	assert.False(t, ValidEmail(""))
}
