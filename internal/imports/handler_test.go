package imports

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/queue"
)

type memJobs map[uuid.UUID]*models.ImportJob

func (m memJobs) Create(_ context.Context, j *models.ImportJob) error {
	j.Status = models.ImportStatusPending
	cp := *j
	m[j.ID] = &cp
	return nil
}

func (m memJobs) GetByID(_ context.Context, id uuid.UUID) (*models.ImportJob, error) {
	j, ok := m[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

func (m memJobs) Fail(_ context.Context, id uuid.UUID, msg string) error {
	m[id].Status, m[id].Error = models.ImportStatusFailed, msg
	return nil
}

type memFiles map[string][]byte

func (m memFiles) PutImport(_ context.Context, key string, body io.Reader, _ int64) error {
	b, err := io.ReadAll(body)
	m[key] = b
	return err
}

type memQueue struct{ payloads []queue.CSVImportPayload }

func (q *memQueue) EnqueueCSVImport(_ context.Context, p queue.CSVImportPayload) error {
	q.payloads = append(q.payloads, p)
	return nil
}

type roles map[uuid.UUID]string

func (r roles) GetUserRole(_ context.Context, orgID, _ uuid.UUID) (string, error) {
	return r[orgID], nil
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadQueuesImport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ev := &models.Event{ID: uuid.New(), OrganizationID: uuid.New()}
	jobs, files, q := memJobs{}, memFiles{}, &memQueue{}
	h := NewHandler(jobs, files, q, roles{ev.OrganizationID: models.OrgRoleStaff}, 1<<20, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextUserID, uuid.New())
		c.Set(events.ContextEvent, ev)
	})
	r.POST("/events/:id/imports", h.Upload)
	r.GET("/imports/:id", h.Get)

	body, ct := multipartBody(t, "people.csv", "email\na@b.co\n")
	req := httptest.NewRequest(http.MethodPost, "/events/"+ev.ID.String()+"/imports", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, q.payloads, 1)
	p := q.payloads[0]
	assert.Equal(t, ev.ID, p.EventID)
	assert.Equal(t, "email\na@b.co\n", string(files[p.ObjectKey]))
	assert.Equal(t, models.ImportStatusPending, jobs[p.ImportJobID].Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/imports/"+p.ImportJobID.String(), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	body, ct = multipartBody(t, "people.xlsx", "x")
	req = httptest.NewRequest(http.MethodPost, "/events/"+ev.ID.String()+"/imports", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadWithoutStorageIsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(memJobs{}, nil, nil, roles{}, 1<<20, nil)
	r := gin.New()
	r.POST("/events/:id/imports", h.Upload)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events/x/imports", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
