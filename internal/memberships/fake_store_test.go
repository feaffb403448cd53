package memberships

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/models"
)

// memStore is an in-memory Store. InTx snapshots state and restores it when fn fails.
type memStore struct {
	contacts    map[uuid.UUID]*models.Contact
	memberships map[uuid.UUID]*models.Membership
	webhooks    map[string]bool
	payments    []*models.Payment
	failSave    error
}

func newMemStore() *memStore {
	return &memStore{
		contacts:    map[uuid.UUID]*models.Contact{},
		memberships: map[uuid.UUID]*models.Membership{},
		webhooks:    map[string]bool{},
	}
}

func cloneMembership(m *models.Membership) *models.Membership {
	cp := *m
	cp.Tags = slices.Clone(m.Tags)
	return &cp
}

func (s *memStore) snapshot() *memStore {
	cp := newMemStore()
	for k, v := range s.contacts {
		c := *v
		cp.contacts[k] = &c
	}
	for k, v := range s.memberships {
		cp.memberships[k] = cloneMembership(v)
	}
	for k, v := range s.webhooks {
		cp.webhooks[k] = v
	}
	cp.payments = slices.Clone(s.payments)
	return cp
}

func (s *memStore) InTx(_ context.Context, fn func(Store) error) error {
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.contacts, s.memberships, s.webhooks, s.payments = snap.contacts, snap.memberships, snap.webhooks, snap.payments
		return err
	}
	return nil
}

func (s *memStore) UpsertContact(_ context.Context, ct *models.Contact) (*models.Contact, error) {
	email := models.NormalizeEmail(ct.Email)
	for _, c := range s.contacts {
		if c.OrganizationID == ct.OrganizationID && c.Email == email {
			if c.Name == "" {
				c.Name = ct.Name
			}
			cp := *c
			return &cp, nil
		}
	}
	c := *ct
	c.ID = uuid.New()
	c.Email = email
	s.contacts[c.ID] = &c
	out := c
	return &out, nil
}

func (s *memStore) GetContact(_ context.Context, id uuid.UUID) (*models.Contact, error) {
	c, ok := s.contacts[id]
	if !ok {
		return nil, ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) EnsureMembership(_ context.Context, orgID, eventID, contactID uuid.UUID, source string) (*models.Membership, bool, error) {
	for _, m := range s.memberships {
		if m.OrganizationID == orgID && m.EventID == eventID && m.ContactID == contactID {
			return cloneMembership(m), false, nil
		}
	}
	m := &models.Membership{
		ID:             uuid.New(),
		OrganizationID: orgID,
		EventID:        eventID,
		ContactID:      contactID,
		Stage:          models.StageSOPEntry,
		Tags:           []string{},
		Source:         source,
	}
	s.memberships[m.ID] = m
	return cloneMembership(m), true, nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*models.Membership, error) {
	m, ok := s.memberships[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMembership(m), nil
}

func (s *memStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return s.Get(ctx, id)
}

func (s *memStore) Save(_ context.Context, m *models.Membership) error {
	if s.failSave != nil {
		return s.failSave
	}
	if _, ok := s.memberships[m.ID]; !ok {
		return ErrNotFound
	}
	s.memberships[m.ID] = cloneMembership(m)
	return nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := s.memberships[id]; !ok {
		return ErrNotFound
	}
	delete(s.memberships, id)
	return nil
}

func (s *memStore) ListByEvent(_ context.Context, eventID uuid.UUID, stage string) ([]Row, error) {
	var out []Row
	for _, m := range s.memberships {
		if m.EventID == eventID && (stage == "" || string(m.Stage) == stage) {
			ct := s.contacts[m.ContactID]
			row := Row{Membership: *cloneMembership(m)}
			if ct != nil {
				row.ContactName, row.ContactEmail = ct.Name, ct.Email
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) RecordWebhookEvent(_ context.Context, provider, eventID, _ string) (bool, error) {
	key := provider + "/" + eventID
	if s.webhooks[key] {
		return false, nil
	}
	s.webhooks[key] = true
	return true, nil
}

func (s *memStore) CreatePayment(_ context.Context, p *models.Payment) error {
	p.ID = uuid.New()
	s.payments = append(s.payments, p)
	return nil
}

type memEvents map[uuid.UUID]*models.Event

func (m memEvents) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	ev, ok := m[id]
	if !ok {
		return nil, events.ErrNotFound
	}
	return ev, nil
}

type memOrgs map[uuid.UUID]*models.Organization

func (m memOrgs) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	org, ok := m[id]
	if !ok {
		return nil, errors.New("organization not found")
	}
	return org, nil
}

type recordingNotifier struct {
	updates []*models.Membership
}

func (n *recordingNotifier) MembershipUpdated(m *models.Membership) {
	n.updates = append(n.updates, m)
}
