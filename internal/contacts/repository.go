package contacts

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/database"
)

var (
	ErrNotFound   = errors.New("contact not found")
	ErrEmailTaken = errors.New("contact with this email already exists")
)

const contactColumns = `id, organization_id, name, email, phone, tags, created_at, updated_at`

// Repository handles contact persistence. It runs on a pool or inside a transaction.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a contacts repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

func scanContact(row interface{ Scan(...any) error }) (*models.Contact, error) {
	var ct models.Contact
	err := row.Scan(&ct.ID, &ct.OrganizationID, &ct.Name, &ct.Email, &ct.Phone, &ct.Tags, &ct.CreatedAt, &ct.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ct, nil
}

func tagsParam(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// Create inserts a contact. The email is normalized first.
func (r *Repository) Create(ctx context.Context, ct *models.Contact) error {
	const q = `INSERT INTO contacts (organization_id, name, email, phone, tags)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + contactColumns
	created, err := scanContact(r.db.QueryRow(ctx, q, ct.OrganizationID, ct.Name, models.NormalizeEmail(ct.Email), ct.Phone, tagsParam(ct.Tags)))
	if database.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return err
	}
	*ct = *created
	return nil
}

// UpsertByEmail finds the contact keyed by (organization, normalized email) or creates it.
// Existing contacts keep their data; empty name and phone are filled in from ct.
func (r *Repository) UpsertByEmail(ctx context.Context, ct *models.Contact) (*models.Contact, error) {
	const q = `INSERT INTO contacts (organization_id, name, email, phone, tags)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, email) DO UPDATE SET
			name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END,
			phone = CASE WHEN contacts.phone = '' THEN EXCLUDED.phone ELSE contacts.phone END,
			updated_at = NOW()
		RETURNING ` + contactColumns
	return scanContact(r.db.QueryRow(ctx, q, ct.OrganizationID, ct.Name, models.NormalizeEmail(ct.Email), ct.Phone, tagsParam(ct.Tags)))
}

// GetByID returns a contact by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	return scanContact(r.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
}

// ListByOrganization returns an organization's contacts ordered by name.
// A non-empty search matches name or email case-insensitively.
func (r *Repository) ListByOrganization(ctx context.Context, orgID uuid.UUID, search string, limit, offset int) ([]*models.Contact, error) {
	const q = `SELECT ` + contactColumns + ` FROM contacts
		WHERE organization_id = $1
		  AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR email ILIKE '%' || $2 || '%')
		ORDER BY name, email
		LIMIT $3 OFFSET $4`
	rows, err := r.db.Query(ctx, q, orgID, search, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Contact{}
	for rows.Next() {
		ct, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ct)
	}
	return list, rows.Err()
}

// Update writes name, email, phone and tags.
func (r *Repository) Update(ctx context.Context, ct *models.Contact) error {
	const q = `UPDATE contacts SET name = $2, email = $3, phone = $4, tags = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + contactColumns
	updated, err := scanContact(r.db.QueryRow(ctx, q, ct.ID, ct.Name, models.NormalizeEmail(ct.Email), ct.Phone, tagsParam(ct.Tags)))
	if database.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return err
	}
	*ct = *updated
	return nil
}

// Delete removes a contact and, by cascade, its memberships.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM contacts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
