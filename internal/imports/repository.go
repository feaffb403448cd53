package imports

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/database"
)

// ErrNotFound is returned when no import job matches.
var ErrNotFound = errors.New("import job not found")

const jobColumns = `id, organization_id, event_id, object_key, filename, status, total_rows, imported_rows,
	failed_rows, error, COALESCE(created_by, '00000000-0000-0000-0000-000000000000'::uuid), created_at, updated_at`

// Repository handles import_jobs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an import job repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanJob(row interface{ Scan(...any) error }) (*models.ImportJob, error) {
	var j models.ImportJob
	err := row.Scan(&j.ID, &j.OrganizationID, &j.EventID, &j.ObjectKey, &j.Filename, &j.Status, &j.TotalRows,
		&j.ImportedRows, &j.FailedRows, &j.Error, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// Create inserts a pending job. j.ID may be preset so the object key can embed it.
func (r *Repository) Create(ctx context.Context, j *models.ImportJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	const q = `INSERT INTO import_jobs (id, organization_id, event_id, object_key, filename, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + jobColumns
	created, err := scanJob(r.pool.QueryRow(ctx, q, j.ID, j.OrganizationID, j.EventID, j.ObjectKey, j.Filename,
		models.ImportStatusPending, j.CreatedBy))
	if err != nil {
		return err
	}
	*j = *created
	return nil
}

// GetByID returns an import job.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id))
}

// MarkProcessing moves a job to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE import_jobs SET status = $2, error = '', updated_at = NOW() WHERE id = $1`,
		id, models.ImportStatusProcessing)
	return err
}

// MarkPending returns a job to pending, e.g. when the worker stopped before finishing it.
func (r *Repository) MarkPending(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE import_jobs SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, models.ImportStatusPending)
	return err
}

// Complete stores the final counts.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, res Result) error {
	const q = `UPDATE import_jobs
		SET status = $2, total_rows = $3, imported_rows = $4, failed_rows = $5, error = $6, updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, models.ImportStatusCompleted, res.Total, res.Imported, res.Failed, res.Summary())
	return err
}

// Fail marks the job failed with a message.
func (r *Repository) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.pool.Exec(ctx, `UPDATE import_jobs SET status = $2, error = $3, updated_at = NOW() WHERE id = $1`,
		id, models.ImportStatusFailed, msg)
	return err
}
