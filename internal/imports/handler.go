package imports

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/pkg/queue"
	"github.com/rally-crm/backend/pkg/response"
	"github.com/rally-crm/backend/pkg/storage"
)

// JobStore persists import jobs.
type JobStore interface {
	Create(ctx context.Context, j *models.ImportJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImportJob, error)
	Fail(ctx context.Context, id uuid.UUID, msg string) error
}

// Uploader stores CSV files.
type Uploader interface {
	PutImport(ctx context.Context, key string, body io.Reader, size int64) error
}

// Enqueuer hands import jobs to the worker.
type Enqueuer interface {
	EnqueueCSVImport(ctx context.Context, payload queue.CSVImportPayload) error
}

// Handler handles CSV import endpoints.
type Handler struct {
	jobs     JobStore
	files    Uploader
	queue    Enqueuer
	roles    organizations.RoleLookup
	maxBytes int64
	logger   *zap.Logger
}

// NewHandler creates an imports handler. files and q may be nil when S3 or Redis are not configured.
func NewHandler(jobs JobStore, files Uploader, q Enqueuer, roles organizations.RoleLookup, maxBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{jobs: jobs, files: files, queue: q, roles: roles, maxBytes: maxBytes, logger: logger}
}

// Upload handles POST /events/:id/imports (multipart field "file"). Requires RequireEventOrgAccess.
func (h *Handler) Upload(c *gin.Context) {
	if h.files == nil || h.queue == nil {
		response.ServiceUnavailable(c, "csv import is not configured")
		return
	}
	ev, _ := events.CurrentEvent(c)
	userID, _ := auth.CurrentUserID(c)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	if fh.Size > h.maxBytes {
		response.Fail(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if !storage.ValidateImportFile(fh.Header.Get("Content-Type"), fh.Filename) {
		response.BadRequest(c, "only .csv files are accepted")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "failed to read file")
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	job := &models.ImportJob{
		ID:             uuid.New(),
		OrganizationID: ev.OrganizationID,
		EventID:        ev.ID,
		Filename:       fh.Filename,
		CreatedBy:      userID,
	}
	job.ObjectKey = storage.ImportKey(job.OrganizationID, job.EventID, job.ID)
	if err := h.files.PutImport(ctx, job.ObjectKey, f, fh.Size); err != nil {
		h.logger.Error("upload import", zap.Error(err), zap.String("key", job.ObjectKey))
		response.Internal(c, "failed to store file")
		return
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		h.logger.Error("create import job", zap.Error(err))
		response.Internal(c, "failed to create import job")
		return
	}
	err = h.queue.EnqueueCSVImport(ctx, queue.CSVImportPayload{
		ImportJobID:    job.ID,
		OrganizationID: job.OrganizationID,
		EventID:        job.EventID,
		ObjectKey:      job.ObjectKey,
	})
	if err != nil {
		h.logger.Error("enqueue import job", zap.Error(err), zap.String("import_job_id", job.ID.String()))
		_ = h.jobs.Fail(ctx, job.ID, "could not be queued")
		response.ServiceUnavailable(c, "failed to queue import")
		return
	}
	response.Accepted(c, job)
}

// Get handles GET /imports/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid import id")
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "import job not found")
		return
	}
	if err != nil {
		h.logger.Error("get import job", zap.Error(err))
		response.Internal(c, "failed to load import job")
		return
	}
	if !organizations.Authorize(c, h.roles, job.OrganizationID, h.logger) {
		return
	}
	response.OK(c, job)
}
