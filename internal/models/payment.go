package models

import (
	"time"

	"github.com/google/uuid"
)

const PaymentProviderStripe = "stripe"

// PaymentStatus for payments.
const (
	PaymentStatusCompleted = "completed"
	PaymentStatusRefunded  = "refunded"
)

// Payment records one completed checkout against a membership.
type Payment struct {
	ID                uuid.UUID `json:"id"`
	OrganizationID    uuid.UUID `json:"organization_id"`
	EventID           uuid.UUID `json:"event_id"`
	MembershipID      uuid.UUID `json:"membership_id"`
	Provider          string    `json:"provider"`
	ProviderEventID   string    `json:"provider_event_id"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// ProcessedWebhookEvent is the idempotency ledger entry for a provider delivery.
type ProcessedWebhookEvent struct {
	Provider    string    `json:"provider"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}
