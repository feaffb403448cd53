package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/database"
)

// ErrNotFound is returned when no event matches.
var ErrNotFound = errors.New("event not found")

const eventColumns = `id, organization_id, name, description, location, starts_at, ends_at,
	ticket_price_cents, currency, pipelines, pipeline_rules,
	COALESCE(created_by, '00000000-0000-0000-0000-000000000000'::uuid), created_at, updated_at`

// Repository handles event persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an event repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEvent(row interface{ Scan(...any) error }) (*models.Event, error) {
	var e models.Event
	var rules []byte
	err := row.Scan(&e.ID, &e.OrganizationID, &e.Name, &e.Description, &e.Location, &e.StartsAt, &e.EndsAt,
		&e.TicketPriceCents, &e.Currency, &e.Pipelines, &rules, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(rules) > 0 && string(rules) != "null" {
		e.PipelineRules = &models.PipelineRules{}
		if err := json.Unmarshal(rules, e.PipelineRules); err != nil {
			return nil, fmt.Errorf("decode pipeline_rules for event %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func rulesParam(r *models.PipelineRules) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func pipelinesParam(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

// Create inserts a new event.
func (r *Repository) Create(ctx context.Context, e *models.Event) error {
	rules, err := rulesParam(e.PipelineRules)
	if err != nil {
		return fmt.Errorf("encode pipeline_rules: %w", err)
	}
	const q = `INSERT INTO events (organization_id, name, description, location, starts_at, ends_at,
			ticket_price_cents, currency, pipelines, pipeline_rules, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + eventColumns
	created, err := scanEvent(r.pool.QueryRow(ctx, q, e.OrganizationID, e.Name, e.Description, e.Location,
		e.StartsAt, e.EndsAt, e.TicketPriceCents, e.Currency, pipelinesParam(e.Pipelines), rules, e.CreatedBy))
	if err != nil {
		return err
	}
	*e = *created
	return nil
}

// GetByID returns an event by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
}

// ListByOrganization returns an organization's events, upcoming first.
func (r *Repository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*models.Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM events
		WHERE organization_id = $1 ORDER BY starts_at DESC NULLS LAST, created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Update writes every editable field of e.
func (r *Repository) Update(ctx context.Context, e *models.Event) error {
	rules, err := rulesParam(e.PipelineRules)
	if err != nil {
		return fmt.Errorf("encode pipeline_rules: %w", err)
	}
	const q = `UPDATE events SET name = $2, description = $3, location = $4, starts_at = $5, ends_at = $6,
			ticket_price_cents = $7, currency = $8, pipelines = $9, pipeline_rules = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + eventColumns
	updated, err := scanEvent(r.pool.QueryRow(ctx, q, e.ID, e.Name, e.Description, e.Location, e.StartsAt, e.EndsAt,
		e.TicketPriceCents, e.Currency, pipelinesParam(e.Pipelines), rules))
	if err != nil {
		return err
	}
	*e = *updated
	return nil
}

// Delete removes an event and, by cascade, its memberships.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
