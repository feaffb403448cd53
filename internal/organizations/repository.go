package organizations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/database"
)

var (
	ErrNotFound  = errors.New("organization not found")
	ErrSlugTaken = errors.New("organization slug already exists")
)

const orgColumns = `id, name, slug, mission, pipeline_defaults, audience_defaults, created_at, updated_at`

// Repository handles organization and organization_user persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an organizations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanOrg(row interface{ Scan(...any) error }) (*models.Organization, error) {
	var org models.Organization
	var audience []byte
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.Mission, &org.PipelineDefaults, &audience, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	org.AudienceDefaults = audience
	return &org, nil
}

func audienceParam(org *models.Organization) []byte {
	if len(org.AudienceDefaults) == 0 {
		return nil
	}
	return []byte(org.AudienceDefaults)
}

// Create creates an organization. Empty PipelineDefaults falls back to the column default.
func (r *Repository) Create(ctx context.Context, org *models.Organization) error {
	const q = `INSERT INTO organizations (name, slug, mission, pipeline_defaults, audience_defaults)
		VALUES ($1, $2, $3, COALESCE($4, ARRAY['sop_entry','rsvp','paid','attended','champion']), $5)
		RETURNING ` + orgColumns
	var defaults []string
	if len(org.PipelineDefaults) > 0 {
		defaults = org.PipelineDefaults
	}
	created, err := scanOrg(r.pool.QueryRow(ctx, q, org.Name, org.Slug, org.Mission, defaults, audienceParam(org)))
	if database.IsUniqueViolation(err) {
		return ErrSlugTaken
	}
	if err != nil {
		return err
	}
	*org = *created
	return nil
}

// GetByID returns an organization by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return scanOrg(r.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

// GetBySlug returns an organization by slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	return scanOrg(r.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE slug = $1`, slug))
}

// Update writes the editable fields (name, mission, pipeline defaults, audience defaults).
func (r *Repository) Update(ctx context.Context, org *models.Organization) error {
	const q = `UPDATE organizations
		SET name = $2, mission = $3, pipeline_defaults = $4, audience_defaults = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + orgColumns
	updated, err := scanOrg(r.pool.QueryRow(ctx, q, org.ID, org.Name, org.Mission, org.PipelineDefaults, audienceParam(org)))
	if err != nil {
		return err
	}
	*org = *updated
	return nil
}

// AddUser adds a user to an organization with a role.
func (r *Repository) AddUser(ctx context.Context, orgID, userID uuid.UUID, role string) error {
	const q = `INSERT INTO organization_users (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, orgID, userID, role)
	return err
}

// GetUserRole returns the user's role in the organization, or "" if not a member.
func (r *Repository) GetUserRole(ctx context.Context, orgID, userID uuid.UUID) (string, error) {
	const q = `SELECT role FROM organization_users WHERE organization_id = $1 AND user_id = $2`
	var role string
	err := r.pool.QueryRow(ctx, q, orgID, userID).Scan(&role)
	if database.IsNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// ListOrganizationsForUser returns organizations the user is a member of.
func (r *Repository) ListOrganizationsForUser(ctx context.Context, userID uuid.UUID) ([]*models.Organization, error) {
	const q = `SELECT o.id, o.name, o.slug, o.mission, o.pipeline_defaults, o.audience_defaults, o.created_at, o.updated_at
		FROM organizations o
		INNER JOIN organization_users ou ON ou.organization_id = o.id
		WHERE ou.user_id = $1
		ORDER BY o.name`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Organization{}
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// Member is an organization member with user details.
type Member struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Role     string    `json:"role"`
	AddedAt  time.Time `json:"added_at"`
}

// ListMembers returns members of an organization.
func (r *Repository) ListMembers(ctx context.Context, orgID uuid.UUID) ([]Member, error) {
	const q = `SELECT ou.id, ou.user_id, u.email, u.full_name, ou.role, ou.created_at
		FROM organization_users ou
		INNER JOIN users u ON u.id = ou.user_id
		WHERE ou.organization_id = $1
		ORDER BY ou.created_at ASC`
	rows, err := r.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.UserID, &m.Email, &m.FullName, &m.Role, &m.AddedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
