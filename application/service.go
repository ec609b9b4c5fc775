package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"locumbook/agreement"
	"locumbook/booking"
	"locumbook/metrics"
)

// AgreementCreator turns a booking into the contract's agreement.
type AgreementCreator interface {
	CreateFromBooking(ctx context.Context, ev booking.Event) (agreement.Agreement, error)
}

// Coordinator is the acceptance coordinator: it owns every state change of applications and
// serialises them per contract through Repository.WithContract.
type Coordinator struct {
	repo       Repository
	agreements AgreementCreator
	log        logrus.FieldLogger
	metrics    *metrics.Collectors
	now        func() time.Time
	idGen      func() string
}

func NewCoordinator(repo Repository) *Coordinator {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Coordinator{
		repo:  repo,
		log:   logrus.StandardLogger(),
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

func (c *Coordinator) WithAgreementCreator(a AgreementCreator) *Coordinator {
	c.agreements = a
	return c
}

func (c *Coordinator) WithLogger(log logrus.FieldLogger) *Coordinator {
	c.log = log
	return c
}

func (c *Coordinator) WithMetrics(m *metrics.Collectors) *Coordinator {
	c.metrics = m
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) WithIDGenerator(gen func() string) *Coordinator {
	c.idGen = gen
	return c
}

// RegisterContract records a contract and its publisher so applications can be taken against it.
// An empty contractID is assigned a fresh id.
func (c *Coordinator) RegisterContract(ctx context.Context, contractID, publisherUserID string) (Contract, error) {
	if publisherUserID == "" {
		return Contract{}, fmt.Errorf("%w: application: publisher required", booking.ErrValidation)
	}
	if contractID == "" {
		contractID = c.idGen()
	}
	return c.repo.CreateContract(ctx, Contract{
		ID:              contractID,
		PublisherUserID: publisherUserID,
		Status:          ContractOpen,
	})
}

type CandidateInput struct {
	ID      string
	Profile map[string]any
}

type SubmitParams struct {
	ContractID      string
	ApplicantUserID string
	// CategoryID is the applicant profile's institute category; nil means a direct professional.
	CategoryID *int
	Candidates []CandidateInput
}

// Submit files an application. The applicant role is resolved here once and stored.
func (c *Coordinator) Submit(ctx context.Context, params SubmitParams) (Application, error) {
	if params.ContractID == "" {
		return Application{}, fmt.Errorf("%w: application: contract id required", booking.ErrValidation)
	}
	if params.ApplicantUserID == "" {
		return Application{}, fmt.Errorf("%w: application: applicant required", booking.ErrValidation)
	}
	role := booking.RoleFromCategory(params.CategoryID)
	if !role.Intermediary() && len(params.Candidates) > 0 {
		return Application{}, fmt.Errorf("%w: application: direct applications carry no candidates", booking.ErrValidation)
	}

	candidates := make([]Candidate, 0, len(params.Candidates))
	seen := make(map[string]bool, len(params.Candidates))
	for _, in := range params.Candidates {
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = c.idGen()
		}
		if seen[id] {
			return Application{}, fmt.Errorf("%w: application: duplicate candidate %s", booking.ErrValidation, id)
		}
		seen[id] = true
		candidates = append(candidates, Candidate{ID: id, Profile: in.Profile})
	}
	if len(candidates) == 0 {
		candidates = nil
	}

	var created Application
	err := c.repo.WithContract(ctx, params.ContractID, func(set *ContractSet) error {
		if set.Contract.PublisherUserID == params.ApplicantUserID {
			return fmt.Errorf("%w: application: publisher cannot apply to own contract", booking.ErrForbidden)
		}
		switch set.Contract.Status {
		case ContractBooked:
			return fmt.Errorf("%w: contract %s is already booked", booking.ErrConflict, set.Contract.ID)
		case ContractCancelled:
			return fmt.Errorf("%w: contract %s is cancelled", booking.ErrInvalidState, set.Contract.ID)
		}
		for _, other := range set.Applications {
			if other.ApplicantUserID == params.ApplicantUserID && (other.Status == StatusPending || other.Status == StatusAccepted) {
				return fmt.Errorf("%w: applicant %s already applied to contract %s", booking.ErrConflict, params.ApplicantUserID, set.Contract.ID)
			}
		}

		now := c.now().UTC()
		created = Application{
			ID:              c.idGen(),
			ContractID:      set.Contract.ID,
			ApplicantUserID: params.ApplicantUserID,
			ApplicantRole:   role,
			Status:          StatusPending,
			Candidates:      candidates,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		set.Add(created)
		return nil
	})
	if err != nil {
		return Application{}, err
	}

	c.log.WithFields(logrus.Fields{
		"contract_id":    created.ContractID,
		"application_id": created.ID,
		"actor_id":       created.ApplicantUserID,
		"role":           created.ApplicantRole,
	}).Info("application submitted")
	return created, nil
}

// ListForContract returns every application to the publisher and only their own to anyone else.
func (c *Coordinator) ListForContract(ctx context.Context, contractID, actingUserID string) ([]Application, error) {
	contract, err := c.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	apps, err := c.repo.ListForContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.PublisherUserID == actingUserID {
		return apps, nil
	}
	own := make([]Application, 0, 1)
	for _, a := range apps {
		if a.ApplicantUserID == actingUserID {
			own = append(own, a)
		}
	}
	return own, nil
}

func (c *Coordinator) Get(ctx context.Context, applicationID, actingUserID string) (Application, error) {
	app, err := c.repo.Get(ctx, applicationID)
	if err != nil {
		return Application{}, err
	}
	if app.ApplicantUserID == actingUserID {
		return app, nil
	}
	contract, err := c.repo.GetContract(ctx, app.ContractID)
	if err != nil {
		return Application{}, err
	}
	if contract.PublisherUserID != actingUserID {
		return Application{}, fmt.Errorf("%w: application %s", booking.ErrForbidden, applicationID)
	}
	return app, nil
}

type AcceptParams struct {
	ContractID    string
	ApplicationID string
	CandidateID   *string
	ActingUserID  string
}

// AcceptResult is the authoritative post-state of an accept.
type AcceptResult struct {
	Event        booking.Event
	Accepted     Application
	Applications []Application
	Agreement    *agreement.Agreement
}

// Accept books the contract for one application and rejects every pending sibling in the same
// atomic unit. Of concurrent accepts on one contract exactly one wins; the others see the
// contract booked and fail with booking.ErrConflict.
func (c *Coordinator) Accept(ctx context.Context, params AcceptParams) (AcceptResult, error) {
	res, err := c.accept(ctx, params)
	c.metrics.Accept(err)
	return res, err
}

func (c *Coordinator) accept(ctx context.Context, params AcceptParams) (AcceptResult, error) {
	if params.ContractID == "" || params.ApplicationID == "" {
		return AcceptResult{}, fmt.Errorf("%w: application: contract and application ids required", booking.ErrValidation)
	}

	var res AcceptResult
	err := c.repo.WithContract(ctx, params.ContractID, func(set *ContractSet) error {
		if set.Contract.PublisherUserID != params.ActingUserID {
			return fmt.Errorf("%w: only the publisher of contract %s may accept", booking.ErrForbidden, set.Contract.ID)
		}
		target, ok := set.Find(params.ApplicationID)
		if !ok {
			return fmt.Errorf("%w: application %s on contract %s", booking.ErrNotFound, params.ApplicationID, set.Contract.ID)
		}
		switch set.Contract.Status {
		case ContractBooked:
			return fmt.Errorf("%w: contract %s is already booked", booking.ErrConflict, set.Contract.ID)
		case ContractCancelled:
			return fmt.Errorf("%w: contract %s is cancelled", booking.ErrInvalidState, set.Contract.ID)
		}
		if target.Status != StatusPending {
			return fmt.Errorf("%w: application %s is %s", booking.ErrInvalidState, target.ID, target.Status)
		}

		var acceptedCandidate *string
		switch {
		case target.MultiCandidate():
			if params.CandidateID == nil || *params.CandidateID == "" {
				return fmt.Errorf("%w: application %s requires a candidate", booking.ErrValidation, target.ID)
			}
			cand, ok := target.candidate(*params.CandidateID)
			if !ok {
				return fmt.Errorf("%w: candidate %s in application %s", booking.ErrNotFound, *params.CandidateID, target.ID)
			}
			if cand.Rejected {
				return fmt.Errorf("%w: candidate %s was rejected", booking.ErrInvalidState, cand.ID)
			}
			id := cand.ID
			acceptedCandidate = &id
		case params.CandidateID != nil && *params.CandidateID != "":
			return fmt.Errorf("%w: application %s has no candidates", booking.ErrValidation, target.ID)
		}

		now := c.now().UTC()
		target.Status = StatusAccepted
		target.AcceptedCandidateID = acceptedCandidate
		target.UpdatedAt = now
		set.MarkChanged(target.ID)

		for i := range set.Applications {
			sib := &set.Applications[i]
			if sib.ID == target.ID || sib.Status != StatusPending {
				continue
			}
			sib.Status = StatusRejected
			sib.UpdatedAt = now
			set.MarkChanged(sib.ID)
		}

		bookedID := target.ID
		set.Contract.Status = ContractBooked
		set.Contract.BookedApplicationID = &bookedID
		set.MarkContractChanged()

		res.Event = booking.Event{
			ContractID:            set.Contract.ID,
			AcceptedApplicationID: target.ID,
			AcceptedCandidateID:   acceptedCandidate,
			ClientUserID:          set.Contract.PublisherUserID,
			ApplicantUserID:       target.ApplicantUserID,
			ApplicantRole:         target.ApplicantRole,
			AcceptedByUserID:      params.ActingUserID,
			OccurredAt:            now,
		}
		set.Emit(res.Event)
		res.Accepted = target.clone()
		res.Applications = set.snapshot()
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}

	entry := c.log.WithFields(logrus.Fields{
		"contract_id":    params.ContractID,
		"application_id": params.ApplicationID,
		"actor_id":       params.ActingUserID,
	})
	entry.Info("application accepted, contract booked")

	if c.agreements != nil {
		rec, err := c.agreements.CreateFromBooking(ctx, res.Event)
		if err != nil {
			// The booking event is in the outbox; the relay will create the agreement.
			entry.WithError(err).Error("agreement creation deferred")
		} else {
			res.Agreement = &rec
		}
	}
	return res, nil
}

type RejectParams struct {
	ContractID    string
	ApplicationID string
	CandidateID   *string
	ActingUserID  string
}

// Reject declines an application, or a single candidate within one. Rejecting something already
// rejected or withdrawn is a successful no-op.
func (c *Coordinator) Reject(ctx context.Context, params RejectParams) (Application, error) {
	app, err := c.reject(ctx, params)
	c.metrics.Reject(err)
	return app, err
}

func (c *Coordinator) reject(ctx context.Context, params RejectParams) (Application, error) {
	if params.ContractID == "" || params.ApplicationID == "" {
		return Application{}, fmt.Errorf("%w: application: contract and application ids required", booking.ErrValidation)
	}

	var out Application
	err := c.repo.WithContract(ctx, params.ContractID, func(set *ContractSet) error {
		if set.Contract.PublisherUserID != params.ActingUserID {
			return fmt.Errorf("%w: only the publisher of contract %s may reject", booking.ErrForbidden, set.Contract.ID)
		}
		target, ok := set.Find(params.ApplicationID)
		if !ok {
			return fmt.Errorf("%w: application %s on contract %s", booking.ErrNotFound, params.ApplicationID, set.Contract.ID)
		}

		switch target.Status {
		case StatusRejected, StatusWithdrawn:
			out = target.clone()
			return nil
		case StatusAccepted:
			return fmt.Errorf("%w: application %s is already accepted", booking.ErrInvalidState, target.ID)
		}

		now := c.now().UTC()
		if params.CandidateID != nil && *params.CandidateID != "" {
			cand, ok := target.candidate(*params.CandidateID)
			if !ok {
				return fmt.Errorf("%w: candidate %s in application %s", booking.ErrNotFound, *params.CandidateID, target.ID)
			}
			if cand.Rejected {
				out = target.clone()
				return nil
			}
			cand.Rejected = true
			if allRejected(target.Candidates) {
				target.Status = StatusRejected
			}
		} else {
			target.Status = StatusRejected
		}
		target.UpdatedAt = now
		set.MarkChanged(target.ID)
		out = target.clone()
		return nil
	})
	if err != nil {
		return Application{}, err
	}

	c.log.WithFields(logrus.Fields{
		"contract_id":    params.ContractID,
		"application_id": params.ApplicationID,
		"actor_id":       params.ActingUserID,
		"status":         out.Status,
	}).Info("application rejected")
	return out, nil
}

func allRejected(cands []Candidate) bool {
	for _, c := range cands {
		if !c.Rejected {
			return false
		}
	}
	return true
}

// Withdraw lets the applicant pull a pending application.
func (c *Coordinator) Withdraw(ctx context.Context, applicationID, actingUserID string) (Application, error) {
	app, err := c.repo.Get(ctx, applicationID)
	if err != nil {
		return Application{}, err
	}
	if app.ApplicantUserID != actingUserID {
		return Application{}, fmt.Errorf("%w: only the applicant may withdraw %s", booking.ErrForbidden, applicationID)
	}

	var out Application
	err = c.repo.WithContract(ctx, app.ContractID, func(set *ContractSet) error {
		target, ok := set.Find(applicationID)
		if !ok {
			return ErrApplicationNotFound
		}
		switch target.Status {
		case StatusWithdrawn:
			out = target.clone()
			return nil
		case StatusPending:
		default:
			return fmt.Errorf("%w: application %s is %s", booking.ErrInvalidState, target.ID, target.Status)
		}
		target.Status = StatusWithdrawn
		target.UpdatedAt = c.now().UTC()
		set.MarkChanged(target.ID)
		out = target.clone()
		return nil
	})
	if err != nil {
		return Application{}, err
	}

	c.log.WithFields(logrus.Fields{
		"contract_id":    out.ContractID,
		"application_id": out.ID,
		"actor_id":       actingUserID,
	}).Info("application withdrawn")
	return out, nil
}
