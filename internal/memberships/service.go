package memberships

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/pipeline"
)

var (
	ErrNotFound               = errors.New("membership not found")
	ErrContactNotFound        = errors.New("contact not found")
	ErrEventNotFound          = errors.New("event not found")
	ErrInvalidEmail           = errors.New("invalid email")
	ErrWrongOrganization      = errors.New("contact belongs to another organization")
	ErrManualOverrideDisabled = errors.New("manual champion override is disabled for this event")
)

// Store is the persistence the membership service needs. Implementations must make InTx atomic.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error
	UpsertContact(ctx context.Context, ct *models.Contact) (*models.Contact, error)
	GetContact(ctx context.Context, id uuid.UUID) (*models.Contact, error)
	EnsureMembership(ctx context.Context, orgID, eventID, contactID uuid.UUID, source string) (*models.Membership, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Membership, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Membership, error)
	Save(ctx context.Context, m *models.Membership) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByEvent(ctx context.Context, eventID uuid.UUID, stage string) ([]Row, error)
	RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string) (bool, error)
	CreatePayment(ctx context.Context, p *models.Payment) error
}

// EventLookup loads events.
type EventLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// OrgLookup loads organizations.
type OrgLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

// Notifier is told about every committed membership change.
type Notifier interface {
	MembershipUpdated(m *models.Membership)
}

// Row is a membership listed with its contact's details.
type Row struct {
	models.Membership
	ContactName  string `json:"contact_name"`
	ContactEmail string `json:"contact_email"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

// ContactInput identifies the person entering an event pipeline.
type ContactInput struct {
	Name  string
	Email string
	Phone string
	Tags  []string
}

// IntakeResult is returned by the intake paths.
type IntakeResult struct {
	Contact    *models.Contact    `json:"contact"`
	Membership *models.Membership `json:"membership"`
	Created    bool               `json:"-"`
}

// PatchInput is a manual edit. Nil fields are left unchanged.
type PatchInput struct {
	Stage    *string
	Tags     []string
	Champion *bool
}

// PaymentInput is a completed checkout reported by a payment provider.
type PaymentInput struct {
	Provider          string
	ProviderEventID   string
	EventType         string
	MembershipID      uuid.UUID
	AmountCents       int64
	Currency          string
	ProviderPaymentID string
}

type nopNotifier struct{}

func (nopNotifier) MembershipUpdated(*models.Membership) {}

// Service runs pipeline rules against stored memberships. Every read-compute-write happens in one transaction.
type Service struct {
	store    Store
	events   EventLookup
	orgs     OrgLookup
	engine   *pipeline.Engine
	notifier Notifier
	logger   *zap.Logger
}

// NewService creates a membership service. notifier and logger may be nil.
func NewService(store Store, evs EventLookup, orgs OrgLookup, engine *pipeline.Engine, notifier Notifier, logger *zap.Logger) *Service {
	if engine == nil {
		engine = pipeline.NewEngine()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, events: evs, orgs: orgs, engine: engine, notifier: notifier, logger: logger}
}

// NormalizeContact trims the input and validates the email.
func NormalizeContact(in ContactInput) (ContactInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = models.NormalizeEmail(in.Email)
	addr, err := mail.ParseAddress(in.Email)
	if err != nil || addr.Address != in.Email {
		return in, ErrInvalidEmail
	}
	return in, nil
}

func (s *Service) loadEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	ev, err := s.events.GetByID(ctx, id)
	if errors.Is(err, events.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	return ev, nil
}

// IntakeFromForm handles a public landing-form (or QR) submission for eventID.
func (s *Service) IntakeFromForm(ctx context.Context, eventID uuid.UUID, in ContactInput, source string, form pipeline.FormPayload) (*IntakeResult, error) {
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = models.SourceLandingForm
	}
	return s.Intake(ctx, ev, in, source, &form)
}

// Intake upserts the contact and membership for ev and applies intake rules, all in one transaction.
func (s *Service) Intake(ctx context.Context, ev *models.Event, in ContactInput, source string, form *pipeline.FormPayload) (*IntakeResult, error) {
	in, err := NormalizeContact(in)
	if err != nil {
		return nil, err
	}
	var res IntakeResult
	err = s.store.InTx(ctx, func(tx Store) error {
		ct, err := tx.UpsertContact(ctx, &models.Contact{
			OrganizationID: ev.OrganizationID,
			Name:           in.Name,
			Email:          in.Email,
			Phone:          in.Phone,
			Tags:           in.Tags,
		})
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
		m, created, err := s.applyIntake(ctx, tx, ev, ct.ID, source, form)
		if err != nil {
			return err
		}
		res = IntakeResult{Contact: ct, Membership: m, Created: created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.MembershipUpdated(res.Membership)
	return &res, nil
}

// AddExistingContact enrolls an existing contact in ev as an admin add.
func (s *Service) AddExistingContact(ctx context.Context, ev *models.Event, contactID uuid.UUID) (*IntakeResult, error) {
	var res IntakeResult
	err := s.store.InTx(ctx, func(tx Store) error {
		ct, err := tx.GetContact(ctx, contactID)
		if err != nil {
			return err
		}
		if ct.OrganizationID != ev.OrganizationID {
			return ErrWrongOrganization
		}
		m, created, err := s.applyIntake(ctx, tx, ev, ct.ID, models.SourceAdminAdd, nil)
		if err != nil {
			return err
		}
		res = IntakeResult{Contact: ct, Membership: m, Created: created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.MembershipUpdated(res.Membership)
	return &res, nil
}

func (s *Service) applyIntake(ctx context.Context, tx Store, ev *models.Event, contactID uuid.UUID, source string, form *pipeline.FormPayload) (*models.Membership, bool, error) {
	m, created, err := tx.EnsureMembership(ctx, ev.OrganizationID, ev.ID, contactID, source)
	if err != nil {
		return nil, false, fmt.Errorf("ensure membership: %w", err)
	}
	s.engine.ApplyIntakeRules(m, ev, source, form)
	if err := tx.Save(ctx, m); err != nil {
		return nil, false, fmt.Errorf("save membership: %w", err)
	}
	return m, created, nil
}

// ApplyPayment marks the membership paid once per provider event id.
// applied is false when the delivery was already processed.
func (s *Service) ApplyPayment(ctx context.Context, in PaymentInput) (m *models.Membership, applied bool, err error) {
	err = s.store.InTx(ctx, func(tx Store) error {
		fresh, err := tx.RecordWebhookEvent(ctx, in.Provider, in.ProviderEventID, in.EventType)
		if err != nil {
			return fmt.Errorf("record webhook event: %w", err)
		}
		if !fresh {
			return nil
		}
		m, err = tx.GetForUpdate(ctx, in.MembershipID)
		if err != nil {
			return err
		}
		s.engine.ApplyPaid(m, pipeline.AmountFromCents(in.AmountCents))
		if err := tx.Save(ctx, m); err != nil {
			return fmt.Errorf("save membership: %w", err)
		}
		currency := in.Currency
		if currency == "" {
			currency = "usd"
		}
		if err := tx.CreatePayment(ctx, &models.Payment{
			OrganizationID:    m.OrganizationID,
			EventID:           m.EventID,
			MembershipID:      m.ID,
			Provider:          in.Provider,
			ProviderEventID:   in.ProviderEventID,
			ProviderPaymentID: in.ProviderPaymentID,
			AmountCents:       in.AmountCents,
			Currency:          currency,
			Status:            models.PaymentStatusCompleted,
		}); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.notifier.MembershipUpdated(m)
	}
	return m, applied, nil
}

// mutate locks a membership, lets fn change it, and saves it.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(m *models.Membership) error) (*models.Membership, error) {
	var out *models.Membership
	err := s.store.InTx(ctx, func(tx Store) error {
		m, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		if err := tx.Save(ctx, m); err != nil {
			return fmt.Errorf("save membership: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.MembershipUpdated(out)
	return out, nil
}

// MarkChampion applies a manual champion override unless the event forbids it.
func (s *Service) MarkChampion(ctx context.Context, id uuid.UUID, note string) (*models.Membership, error) {
	return s.mutate(ctx, id, func(m *models.Membership) error {
		ev, err := s.loadEvent(ctx, m.EventID)
		if err != nil {
			return err
		}
		if !ev.Criteria().AllowsManualOverride() {
			return ErrManualOverrideDisabled
		}
		s.engine.MarkAsChampion(m, strings.TrimSpace(note))
		return nil
	})
}

// MarkAttended records a check-in.
func (s *Service) MarkAttended(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return s.mutate(ctx, id, func(m *models.Membership) error {
		s.engine.ApplyAttended(m)
		return nil
	})
}

// Patch overwrites stage, tags and champion directly, without running rules.
// A new stage must belong to the event's pipeline.
func (s *Service) Patch(ctx context.Context, id uuid.UUID, in PatchInput) (*models.Membership, error) {
	return s.mutate(ctx, id, func(m *models.Membership) error {
		if in.Stage != nil {
			stage := models.Stage(strings.TrimSpace(*in.Stage))
			p, err := s.pipelineFor(ctx, m.EventID)
			if err != nil {
				return err
			}
			if err := p.Validate(stage); err != nil {
				return err
			}
			m.Stage = stage
		}
		if in.Tags != nil {
			m.Tags = in.Tags
		}
		if in.Champion != nil {
			m.Champion = *in.Champion
		}
		return nil
	})
}

func (s *Service) pipelineFor(ctx context.Context, eventID uuid.UUID) (pipeline.Pipeline, error) {
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	var org *models.Organization
	if len(ev.Pipelines) == 0 && s.orgs != nil {
		org, err = s.orgs.GetByID(ctx, ev.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("load organization: %w", err)
		}
	}
	return pipeline.ResolvePipeline(org, ev), nil
}

// Get returns a membership.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return s.store.Get(ctx, id)
}

// ListByEvent lists an event's memberships, optionally filtered by stage.
func (s *Service) ListByEvent(ctx context.Context, eventID uuid.UUID, stage string) ([]Row, error) {
	return s.store.ListByEvent(ctx, eventID, stage)
}

// Remove deletes a membership (remove attendee). Rules never delete memberships.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, id)
}
