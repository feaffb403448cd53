package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/memberships"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/response"
)

// maxBodyBytes caps webhook payloads.
const maxBodyBytes = int64(65536)

const (
	eventCheckoutCompleted             = "checkout.session.completed"
	eventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// metadata keys a checkout session may carry the membership under
var membershipMetadataKeys = []string{"membershipId", "membership_id"}

// PaymentApplier records a completed payment against a membership.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, in memberships.PaymentInput) (*models.Membership, bool, error)
}

// StripeHandler receives Stripe webhook deliveries.
type StripeHandler struct {
	payments PaymentApplier
	secret   string
	logger   *zap.Logger
}

// NewStripeHandler creates a Stripe webhook handler. An empty secret disables the endpoint.
func NewStripeHandler(payments PaymentApplier, webhookSecret string, logger *zap.Logger) *StripeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeHandler{payments: payments, secret: webhookSecret, logger: logger}
}

func received(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Handle handles POST /webhooks/stripe. Deliveries that cannot be matched are acknowledged and logged.
func (h *StripeHandler) Handle(c *gin.Context) {
	if h.secret == "" {
		response.ServiceUnavailable(c, "stripe webhooks are not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		response.BadRequest(c, "failed to read body")
		return
	}
	if int64(len(payload)) > maxBodyBytes {
		response.Fail(c, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe signature verification failed", zap.Error(err))
		response.BadRequest(c, "invalid signature")
		return
	}

	log := h.logger.With(zap.String("stripe_event_id", event.ID), zap.String("type", string(event.Type)))
	switch string(event.Type) {
	case eventCheckoutCompleted, eventCheckoutAsyncPaymentSucceeded:
	default:
		log.Debug("ignoring stripe event")
		received(c)
		return
	}
	if event.Data == nil {
		log.Warn("stripe event without data")
		received(c)
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Warn("decode checkout session", zap.Error(err))
		received(c)
		return
	}
	if string(event.Type) == eventCheckoutCompleted && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// async methods settle later with checkout.session.async_payment_succeeded
		log.Info("checkout completed without payment yet", zap.String("session_id", session.ID))
		received(c)
		return
	}

	membershipID, ok := membershipFromMetadata(session.Metadata)
	if !ok {
		log.Info("checkout session has no membership metadata", zap.String("session_id", session.ID))
		received(c)
		return
	}

	in := memberships.PaymentInput{
		Provider:        models.PaymentProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		MembershipID:    membershipID,
		AmountCents:     session.AmountTotal,
		Currency:        string(session.Currency),
	}
	if session.PaymentIntent != nil {
		in.ProviderPaymentID = session.PaymentIntent.ID
	}
	m, applied, err := h.payments.ApplyPayment(c.Request.Context(), in)
	switch {
	case errors.Is(err, memberships.ErrNotFound):
		log.Warn("checkout session references unknown membership", zap.String("membership_id", membershipID.String()))
		received(c)
		return
	case err != nil:
		// not recorded, so Stripe's retry will be processed
		log.Error("apply stripe payment", zap.Error(err))
		response.Internal(c, "failed to process payment")
		return
	}
	if !applied {
		log.Info("duplicate stripe delivery ignored")
	} else {
		log.Info("payment applied", zap.String("membership_id", m.ID.String()), zap.Int64("amount_cents", in.AmountCents))
	}
	received(c)
}

func membershipFromMetadata(md map[string]string) (uuid.UUID, bool) {
	for _, k := range membershipMetadataKeys {
		if v, ok := md[k]; ok && v != "" {
			id, err := uuid.Parse(v)
			return id, err == nil
		}
	}
	return uuid.Nil, false
}
