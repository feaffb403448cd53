package memberships

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rally-crm/backend/internal/contacts"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/database"
)

const membershipColumns = `id, organization_id, event_id, contact_id, stage, tags, source,
	rsvp, paid, amount, champion, engagement_score, created_at, updated_at`

// Repository is the PostgreSQL Store. A Repository returned inside InTx is bound to that transaction.
type Repository struct {
	pool *pgxpool.Pool
	db   database.DBTX
	inTx bool
}

// NewRepository creates a memberships repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// InTx runs fn with a Store bound to one transaction. Nested calls reuse the outer transaction.
func (r *Repository) InTx(ctx context.Context, fn func(Store) error) error {
	if r.inTx {
		return fn(r)
	}
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&Repository{pool: r.pool, db: tx, inTx: true})
	})
}

func scanMembership(row interface{ Scan(...any) error }) (*models.Membership, error) {
	var m models.Membership
	var stage string
	err := row.Scan(&m.ID, &m.OrganizationID, &m.EventID, &m.ContactID, &stage, &m.Tags, &m.Source,
		&m.RSVP, &m.Paid, &m.Amount, &m.Champion, &m.EngagementScore, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Stage = models.Stage(stage)
	return &m, nil
}

// UpsertContact finds or creates the contact keyed by (organization, email).
func (r *Repository) UpsertContact(ctx context.Context, ct *models.Contact) (*models.Contact, error) {
	return contacts.NewRepository(r.db).UpsertByEmail(ctx, ct)
}

// GetContact returns a contact by ID.
func (r *Repository) GetContact(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	ct, err := contacts.NewRepository(r.db).GetByID(ctx, id)
	if errors.Is(err, contacts.ErrNotFound) {
		return nil, ErrContactNotFound
	}
	return ct, err
}

// EnsureMembership inserts the (organization, event, contact) membership if missing and returns it locked.
// source is only written on insert. created reports whether this call inserted the row.
func (r *Repository) EnsureMembership(ctx context.Context, orgID, eventID, contactID uuid.UUID, source string) (*models.Membership, bool, error) {
	const ins = `INSERT INTO contact_event_memberships (organization_id, event_id, contact_id, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, event_id, contact_id) DO NOTHING`
	tag, err := r.db.Exec(ctx, ins, orgID, eventID, contactID, source)
	if err != nil {
		return nil, false, err
	}
	const sel = `SELECT ` + membershipColumns + ` FROM contact_event_memberships
		WHERE organization_id = $1 AND event_id = $2 AND contact_id = $3
		FOR UPDATE`
	m, err := scanMembership(r.db.QueryRow(ctx, sel, orgID, eventID, contactID))
	if err != nil {
		return nil, false, err
	}
	return m, tag.RowsAffected() == 1, nil
}

// Get returns a membership by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return scanMembership(r.db.QueryRow(ctx, `SELECT `+membershipColumns+` FROM contact_event_memberships WHERE id = $1`, id))
}

// GetForUpdate returns a membership and locks its row until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return scanMembership(r.db.QueryRow(ctx, `SELECT `+membershipColumns+` FROM contact_event_memberships WHERE id = $1 FOR UPDATE`, id))
}

// Save writes the mutable pipeline fields of m.
func (r *Repository) Save(ctx context.Context, m *models.Membership) error {
	const q = `UPDATE contact_event_memberships
		SET stage = $2, tags = $3, rsvp = $4, paid = $5, amount = $6, champion = $7, engagement_score = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + membershipColumns
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	saved, err := scanMembership(r.db.QueryRow(ctx, q, m.ID, string(m.Stage), tags, m.RSVP, m.Paid, m.Amount, m.Champion, m.EngagementScore))
	if err != nil {
		return err
	}
	*m = *saved
	return nil
}

// Delete removes a membership.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM contact_event_memberships WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByEvent returns an event's memberships with their contacts, oldest first. Empty stage means all.
func (r *Repository) ListByEvent(ctx context.Context, eventID uuid.UUID, stage string) ([]Row, error) {
	const q = `SELECT m.id, m.organization_id, m.event_id, m.contact_id, m.stage, m.tags, m.source,
			m.rsvp, m.paid, m.amount, m.champion, m.engagement_score, m.created_at, m.updated_at,
			c.name, c.email, c.phone
		FROM contact_event_memberships m
		INNER JOIN contacts c ON c.id = m.contact_id
		WHERE m.event_id = $1 AND ($2 = '' OR m.stage = $2)
		ORDER BY m.created_at ASC`
	rows, err := r.db.Query(ctx, q, eventID, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Row{}
	for rows.Next() {
		var row Row
		var st string
		m := &row.Membership
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.EventID, &m.ContactID, &st, &m.Tags, &m.Source,
			&m.RSVP, &m.Paid, &m.Amount, &m.Champion, &m.EngagementScore, &m.CreatedAt, &m.UpdatedAt,
			&row.ContactName, &row.ContactEmail, &row.ContactPhone); err != nil {
			return nil, err
		}
		m.Stage = models.Stage(st)
		list = append(list, row)
	}
	return list, rows.Err()
}

// RecordWebhookEvent stores a provider event id. It returns false when the id was already recorded.
func (r *Repository) RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	const q = `INSERT INTO processed_webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`
	tag, err := r.db.Exec(ctx, q, provider, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CreatePayment inserts a payment row.
func (r *Repository) CreatePayment(ctx context.Context, p *models.Payment) error {
	const q = `INSERT INTO payments (organization_id, event_id, membership_id, provider, provider_event_id,
			provider_payment_id, amount_cents, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`
	return r.db.QueryRow(ctx, q, p.OrganizationID, p.EventID, p.MembershipID, p.Provider, p.ProviderEventID,
		p.ProviderPaymentID, p.AmountCents, p.Currency, p.Status).Scan(&p.ID, &p.CreatedAt)
}
