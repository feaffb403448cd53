package analytics

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rally-crm/backend/internal/models"
)

// Counts are the raw membership aggregates for one event.
type Counts struct {
	Total        int
	ByStage      map[models.Stage]int
	RSVP         int
	Paid         int
	Champion     int
	Revenue      float64
	RevenueCents int64
	Payments     int
}

// Repository runs funnel aggregates against PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an analytics repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EventCounts aggregates memberships and completed payments for an event.
func (r *Repository) EventCounts(ctx context.Context, eventID uuid.UUID) (*Counts, error) {
	out := &Counts{ByStage: make(map[models.Stage]int)}

	const stagesQ = `SELECT stage, COUNT(*) FROM contact_event_memberships WHERE event_id = $1 GROUP BY stage`
	rows, err := r.pool.Query(ctx, stagesQ, eventID)
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		out.ByStage[models.Stage(stage)] = n
		out.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}

	const flagsQ = `SELECT
		COUNT(*) FILTER (WHERE rsvp),
		COUNT(*) FILTER (WHERE paid),
		COUNT(*) FILTER (WHERE champion),
		COALESCE(SUM(amount) FILTER (WHERE paid), 0)
		FROM contact_event_memberships WHERE event_id = $1`
	if err := r.pool.QueryRow(ctx, flagsQ, eventID).Scan(&out.RSVP, &out.Paid, &out.Champion, &out.Revenue); err != nil {
		return nil, fmt.Errorf("flag counts: %w", err)
	}

	const payQ = `SELECT COUNT(*), COALESCE(SUM(amount_cents), 0) FROM payments WHERE event_id = $1 AND status = $2`
	if err := r.pool.QueryRow(ctx, payQ, eventID, models.PaymentStatusCompleted).Scan(&out.Payments, &out.RevenueCents); err != nil {
		return nil, fmt.Errorf("payment totals: %w", err)
	}
	return out, nil
}
