package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"locumbook/booking"
	"locumbook/metrics"
)

// Manager drives agreements from creation to a terminal state. Every mutation goes through
// Repository.Update, so fee submission and signatures on one agreement never interleave.
type Manager struct {
	repo     Repository
	invoices *InvoiceDispatcher
	log      logrus.FieldLogger
	metrics  *metrics.Collectors
	now      func() time.Time
	idGen    func() string
	ttl      time.Duration
}

func NewManager(repo Repository) *Manager {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Manager{
		repo:  repo,
		log:   logrus.StandardLogger(),
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

func (m *Manager) WithInvoiceDispatcher(d *InvoiceDispatcher) *Manager {
	m.invoices = d
	return m
}

func (m *Manager) WithLogger(log logrus.FieldLogger) *Manager {
	m.log = log
	return m
}

func (m *Manager) WithMetrics(c *metrics.Collectors) *Manager {
	m.metrics = c
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithIDGenerator(gen func() string) *Manager {
	m.idGen = gen
	return m
}

// WithTTL sets how long a new agreement stays signable. Zero disables expiry.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// resolveRole maps the acting user onto exactly one party of a.
func resolveRole(a Agreement, userID string) (booking.PartyRole, error) {
	switch {
	case userID == "":
		return "", fmt.Errorf("%w: agreement: missing acting user", booking.ErrForbidden)
	case userID == a.ClientUserID:
		return booking.PartyClient, nil
	case userID == a.AgencyUserID:
		return booking.PartyAgency, nil
	default:
		return "", fmt.Errorf("%w: agreement: user %s is not a party to %s", booking.ErrForbidden, userID, a.ID)
	}
}

// terminalError explains why a terminal agreement refuses a mutation.
func terminalError(a Agreement) error {
	if normalizeStatus(a.Status) == StatusExpired {
		return fmt.Errorf("%w: agreement %s", booking.ErrExpired, a.ID)
	}
	return fmt.Errorf("%w: agreement %s is %s", booking.ErrInvalidState, a.ID, a.Status)
}

func (m *Manager) deadlinePassed(a Agreement) bool {
	return a.ExpiresAt != nil && !m.now().Before(*a.ExpiresAt)
}

// markExpired moves a to expired and returns the timeline entries for it.
func markExpired(a *Agreement, actorID, reason string) []Change {
	prev := a.Status
	a.Status = StatusExpired
	return []Change{{
		Type:    EventExpired,
		ActorID: actorID,
		Payload: map[string]any{
			"previous_status": string(prev),
			"reason":          reason,
		},
	}}
}

func (m *Manager) Get(ctx context.Context, agreementID, actingUserID string) (View, error) {
	a, err := m.repo.Get(ctx, agreementID)
	if err != nil {
		return View{}, err
	}
	role, err := resolveRole(a, actingUserID)
	if err != nil {
		return View{}, err
	}
	return Describe(a, role), nil
}

func (m *Manager) GetByContract(ctx context.Context, contractID, actingUserID string) (View, error) {
	a, err := m.repo.GetByContract(ctx, contractID)
	if err != nil {
		return View{}, err
	}
	role, err := resolveRole(a, actingUserID)
	if err != nil {
		return View{}, err
	}
	return Describe(a, role), nil
}

// List returns the caller's agreements, newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, actingUserID string, status Status) ([]View, error) {
	if actingUserID == "" {
		return nil, fmt.Errorf("%w: agreement: missing acting user", booking.ErrForbidden)
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: agreement: unknown status %q", booking.ErrValidation, status)
	}
	items, err := m.repo.ListForUser(ctx, ListFilters{UserID: actingUserID, Status: status, Limit: 100})
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(items))
	for _, a := range items {
		role, err := resolveRole(a, actingUserID)
		if err != nil {
			continue
		}
		out = append(out, Describe(a, role))
	}
	return out, nil
}

// PendingActionCount counts the caller's agreements waiting on a fee or signature from them.
func (m *Manager) PendingActionCount(ctx context.Context, actingUserID string) (int, error) {
	views, err := m.List(ctx, actingUserID, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range views {
		if v.NeedsAction() {
			n++
		}
	}
	return n, nil
}

func (m *Manager) Timeline(ctx context.Context, agreementID, actingUserID string) ([]TimelineEvent, error) {
	a, err := m.repo.Get(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if _, err := resolveRole(a, actingUserID); err != nil {
		return nil, err
	}
	return m.repo.Timeline(ctx, agreementID)
}

// Decline moves a non-terminal agreement to rejected on behalf of either party.
func (m *Manager) Decline(ctx context.Context, agreementID, actingUserID, reason string) (Agreement, error) {
	reason = strings.TrimSpace(reason)
	var expired bool
	updated, err := m.repo.Update(ctx, agreementID, func(a *Agreement) ([]Change, error) {
		role, err := resolveRole(*a, actingUserID)
		if err != nil {
			return nil, err
		}
		if a.Status.Terminal() {
			return nil, terminalError(*a)
		}
		if m.deadlinePassed(*a) {
			expired = true
			return markExpired(a, actingUserID, "deadline_passed"), nil
		}
		if err := validateTransition(a.Status, StatusRejected); err != nil {
			return nil, err
		}
		prev := a.Status
		a.Status = StatusRejected
		if reason != "" {
			a.DeclineReason = &reason
		}
		return []Change{{
			Type:    EventDeclined,
			ActorID: actingUserID,
			Payload: map[string]any{
				"previous_status": string(prev),
				"declined_by":     string(role),
				"reason":          reason,
			},
		}}, nil
	})
	if err != nil {
		return Agreement{}, err
	}
	if expired {
		return updated, fmt.Errorf("%w: agreement %s", booking.ErrExpired, agreementID)
	}
	m.log.WithFields(logrus.Fields{
		"agreement_id": agreementID,
		"actor_id":     actingUserID,
	}).Info("agreement declined")
	return updated, nil
}

// Expire is the operator expiry event. It applies to any non-terminal agreement regardless of
// its deadline.
func (m *Manager) Expire(ctx context.Context, agreementID, actorID string) (Agreement, error) {
	updated, err := m.repo.Update(ctx, agreementID, func(a *Agreement) ([]Change, error) {
		if a.Status.Terminal() {
			return nil, terminalError(*a)
		}
		if err := validateTransition(a.Status, StatusExpired); err != nil {
			return nil, err
		}
		return markExpired(a, actorID, "operator"), nil
	})
	if err != nil {
		return Agreement{}, err
	}
	m.log.WithFields(logrus.Fields{
		"agreement_id": agreementID,
		"actor_id":     actorID,
	}).Info("agreement expired")
	return updated, nil
}

func (m *Manager) recordInvoice(sent bool, err error) {
	if errors.Is(err, ErrInvoiceInFlight) {
		m.metrics.InvoiceInFlight()
		return
	}
	m.metrics.Invoice(sent, err)
}

// CompleteInvoice fires the invoice for a fully signed agreement. It is safe to call repeatedly;
// only the first successful call reaches the billing collaborator.
func (m *Manager) CompleteInvoice(ctx context.Context, agreementID string) (bool, error) {
	if m.invoices == nil {
		return false, fmt.Errorf("agreement: invoice dispatcher not configured")
	}
	a, err := m.repo.Get(ctx, agreementID)
	if err != nil {
		return false, err
	}
	sent, err := m.invoices.Dispatch(ctx, a)
	m.recordInvoice(sent, err)
	if err != nil {
		return sent, err
	}
	if sent {
		m.log.WithFields(logrus.Fields{
			"agreement_id": a.ID,
			"contract_id":  a.ContractID,
		}).Info("invoice triggered")
	}
	return sent, nil
}
