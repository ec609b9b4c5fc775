package application

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"locumbook/agreement"
	"locumbook/booking"
)

const publisher = "institute-1"

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func newCoordinator(t *testing.T) (*Coordinator, *MemoryRepository, *agreement.MemoryRepository) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	var seq int64
	repo := NewMemoryRepository()
	agreements := agreement.NewMemoryRepository()
	mgr := agreement.NewManager(agreements).WithLogger(logger)
	c := NewCoordinator(repo).
		WithAgreementCreator(mgr).
		WithLogger(logger).
		WithIDGenerator(func() string {
			return fmt.Sprintf("id-%d", atomic.AddInt64(&seq, 1))
		})
	return c, repo, agreements
}

func seedContract(t *testing.T, c *Coordinator, contractID string, applicants ...string) []Application {
	t.Helper()
	ctx := context.Background()
	_, err := c.RegisterContract(ctx, contractID, publisher)
	require.NoError(t, err)

	apps := make([]Application, 0, len(applicants))
	for _, user := range applicants {
		app, err := c.Submit(ctx, SubmitParams{ContractID: contractID, ApplicantUserID: user})
		require.NoError(t, err)
		apps = append(apps, app)
	}
	return apps
}

func TestAcceptRejectsSiblingsAndCreatesAgreement(t *testing.T) {
	c, repo, _ := newCoordinator(t)
	apps := seedContract(t, c, "contract-1", "nurse-a", "nurse-b")

	res, err := c.Accept(context.Background(), AcceptParams{
		ContractID:    "contract-1",
		ApplicationID: apps[0].ID,
		ActingUserID:  publisher,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, res.Accepted.Status)
	statuses := map[string]Status{}
	for _, a := range res.Applications {
		statuses[a.ID] = a.Status
	}
	assert.Equal(t, StatusAccepted, statuses[apps[0].ID])
	assert.Equal(t, StatusRejected, statuses[apps[1].ID])

	require.NotNil(t, res.Agreement)
	assert.Equal(t, agreement.StatusPendingAgency, res.Agreement.Status)
	assert.Equal(t, publisher, res.Agreement.ClientUserID)
	assert.Equal(t, "nurse-a", res.Agreement.AgencyUserID)

	contract, err := repo.GetContract(context.Background(), "contract-1")
	require.NoError(t, err)
	assert.Equal(t, ContractBooked, contract.Status)
	require.Len(t, repo.Events(), 1)
	assert.Equal(t, apps[0].ID, repo.Events()[0].AcceptedApplicationID)
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		c, repo, _ := newCoordinator(t)
		contractID := fmt.Sprintf("contract-%d", round)
		apps := seedContract(t, c, contractID, "a", "b", "c", "d")

		var (
			g         errgroup.Group
			wins      int64
			conflicts int64
		)
		for _, app := range apps {
			app := app
			g.Go(func() error {
				_, err := c.Accept(context.Background(), AcceptParams{
					ContractID:    contractID,
					ApplicationID: app.ID,
					ActingUserID:  publisher,
				})
				switch {
				case err == nil:
					atomic.AddInt64(&wins, 1)
				case errors.Is(err, booking.ErrConflict):
					atomic.AddInt64(&conflicts, 1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), wins)
		assert.Equal(t, int64(len(apps)-1), conflicts)

		list, err := repo.ListForContract(context.Background(), contractID)
		require.NoError(t, err)
		accepted := 0
		for _, a := range list {
			assert.NotEqual(t, StatusPending, a.Status, "no sibling left pending")
			if a.Status == StatusAccepted {
				accepted++
			}
		}
		assert.Equal(t, 1, accepted)
	}
}

func TestAcceptErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown contract", func(t *testing.T) {
		c, _, _ := newCoordinator(t)
		_, err := c.Accept(ctx, AcceptParams{ContractID: "nope", ApplicationID: "x", ActingUserID: publisher})
		assert.ErrorIs(t, err, booking.ErrNotFound)
	})

	t.Run("unknown application", func(t *testing.T) {
		c, _, _ := newCoordinator(t)
		seedContract(t, c, "contract-1", "a")
		_, err := c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: "missing", ActingUserID: publisher})
		assert.ErrorIs(t, err, booking.ErrNotFound)
	})

	t.Run("application from another contract", func(t *testing.T) {
		c, _, _ := newCoordinator(t)
		seedContract(t, c, "contract-1", "a")
		other := seedContract(t, c, "contract-2", "b")
		_, err := c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: other[0].ID, ActingUserID: publisher})
		assert.ErrorIs(t, err, booking.ErrNotFound)
	})

	t.Run("not the publisher", func(t *testing.T) {
		c, _, _ := newCoordinator(t)
		apps := seedContract(t, c, "contract-1", "a")
		_, err := c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: apps[0].ID, ActingUserID: "a"})
		assert.ErrorIs(t, err, booking.ErrForbidden)
	})

	t.Run("withdrawn application", func(t *testing.T) {
		c, _, _ := newCoordinator(t)
		apps := seedContract(t, c, "contract-1", "a")
		_, err := c.Withdraw(ctx, apps[0].ID, "a")
		require.NoError(t, err)
		_, err = c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: apps[0].ID, ActingUserID: publisher})
		assert.ErrorIs(t, err, booking.ErrInvalidState)
	})

	t.Run("already booked", func(t *testing.T) {
		c, _, _ := newCoordinator(t)
		apps := seedContract(t, c, "contract-1", "a", "b")
		_, err := c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: apps[0].ID, ActingUserID: publisher})
		require.NoError(t, err)
		_, err = c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: apps[1].ID, ActingUserID: publisher})
		assert.ErrorIs(t, err, booking.ErrConflict)
	})
}

func TestAcceptMultiCandidateApplication(t *testing.T) {
	ctx := context.Background()
	c, _, agreements := newCoordinator(t)
	_, err := c.RegisterContract(ctx, "contract-1", publisher)
	require.NoError(t, err)

	app, err := c.Submit(ctx, SubmitParams{
		ContractID:      "contract-1",
		ApplicantUserID: "agency-7",
		CategoryID:      intPtr(3),
		Candidates: []CandidateInput{
			{ID: "cand-1", Profile: map[string]any{"name": "R. Osei"}},
			{ID: "cand-2", Profile: map[string]any{"name": "L. Park"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, booking.RoleAgency, app.ApplicantRole)
	assert.True(t, app.MultiCandidate())

	_, err = c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: app.ID, ActingUserID: publisher})
	assert.ErrorIs(t, err, booking.ErrValidation)

	_, err = c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: app.ID, CandidateID: strPtr("cand-9"), ActingUserID: publisher})
	assert.ErrorIs(t, err, booking.ErrNotFound)

	rejected, err := c.Reject(ctx, RejectParams{ContractID: "contract-1", ApplicationID: app.ID, CandidateID: strPtr("cand-1"), ActingUserID: publisher})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rejected.Status)

	_, err = c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: app.ID, CandidateID: strPtr("cand-1"), ActingUserID: publisher})
	assert.ErrorIs(t, err, booking.ErrInvalidState)

	res, err := c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: app.ID, CandidateID: strPtr("cand-2"), ActingUserID: publisher})
	require.NoError(t, err)
	require.NotNil(t, res.Accepted.AcceptedCandidateID)
	assert.Equal(t, "cand-2", *res.Accepted.AcceptedCandidateID)
	require.NotNil(t, res.Event.AcceptedCandidateID)
	assert.Equal(t, "cand-2", *res.Event.AcceptedCandidateID)

	ag, err := agreements.GetByContract(ctx, "contract-1")
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusPendingApplicantFees, ag.Status)
	assert.True(t, ag.Fees.RequiresInput)
}

func TestRejectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	apps := seedContract(t, c, "contract-1", "a", "b")

	for i := 0; i < 3; i++ {
		got, err := c.Reject(ctx, RejectParams{ContractID: "contract-1", ApplicationID: apps[0].ID, ActingUserID: publisher})
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, got.Status)
	}

	_, err := c.Withdraw(ctx, apps[1].ID, "b")
	require.NoError(t, err)
	got, err := c.Reject(ctx, RejectParams{ContractID: "contract-1", ApplicationID: apps[1].ID, ActingUserID: publisher})
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawn, got.Status)
}

func TestRejectAllCandidatesRejectsApplication(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	_, err := c.RegisterContract(ctx, "contract-1", publisher)
	require.NoError(t, err)
	app, err := c.Submit(ctx, SubmitParams{
		ContractID:      "contract-1",
		ApplicantUserID: "hh-1",
		CategoryID:      intPtr(4),
		Candidates:      []CandidateInput{{ID: "x"}, {ID: "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, booking.RoleHeadhunter, app.ApplicantRole)

	_, err = c.Reject(ctx, RejectParams{ContractID: "contract-1", ApplicationID: app.ID, CandidateID: strPtr("x"), ActingUserID: publisher})
	require.NoError(t, err)
	got, err := c.Reject(ctx, RejectParams{ContractID: "contract-1", ApplicationID: app.ID, CandidateID: strPtr("y"), ActingUserID: publisher})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestRejectAcceptedIsInvalid(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	apps := seedContract(t, c, "contract-1", "a")
	_, err := c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: apps[0].ID, ActingUserID: publisher})
	require.NoError(t, err)

	_, err = c.Reject(ctx, RejectParams{ContractID: "contract-1", ApplicationID: apps[0].ID, ActingUserID: publisher})
	assert.ErrorIs(t, err, booking.ErrInvalidState)
}

func TestSubmitRules(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	seedContract(t, c, "contract-1", "a")

	_, err := c.Submit(ctx, SubmitParams{ContractID: "contract-1", ApplicantUserID: publisher})
	assert.ErrorIs(t, err, booking.ErrForbidden)

	_, err = c.Submit(ctx, SubmitParams{ContractID: "contract-1", ApplicantUserID: "a"})
	assert.ErrorIs(t, err, booking.ErrConflict)

	_, err = c.Submit(ctx, SubmitParams{ContractID: "contract-1", ApplicantUserID: "b", Candidates: []CandidateInput{{ID: "c"}}})
	assert.ErrorIs(t, err, booking.ErrValidation)

	_, err = c.Submit(ctx, SubmitParams{ContractID: "missing", ApplicantUserID: "b"})
	assert.ErrorIs(t, err, booking.ErrNotFound)

	_, err = c.RegisterContract(ctx, "contract-1", publisher)
	assert.ErrorIs(t, err, booking.ErrConflict)
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	apps := seedContract(t, c, "contract-1", "a", "b")

	_, err := c.Withdraw(ctx, apps[0].ID, "b")
	assert.ErrorIs(t, err, booking.ErrForbidden)

	got, err := c.Withdraw(ctx, apps[0].ID, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawn, got.Status)

	got, err = c.Withdraw(ctx, apps[0].ID, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawn, got.Status)

	// A withdrawn applicant may apply again.
	_, err = c.Submit(ctx, SubmitParams{ContractID: "contract-1", ApplicantUserID: "a"})
	require.NoError(t, err)

	_, err = c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: apps[1].ID, ActingUserID: publisher})
	require.NoError(t, err)
	_, err = c.Withdraw(ctx, apps[1].ID, "b")
	assert.ErrorIs(t, err, booking.ErrInvalidState)
}

func TestListForContractVisibility(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	seedContract(t, c, "contract-1", "a", "b")

	all, err := c.ListForContract(ctx, "contract-1", publisher)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := c.ListForContract(ctx, "contract-1", "a")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "a", own[0].ApplicantUserID)

	_, err = c.Get(ctx, all[1].ID, "a")
	assert.ErrorIs(t, err, booking.ErrForbidden)
}

type failingCreator struct{}

func (failingCreator) CreateFromBooking(context.Context, booking.Event) (agreement.Agreement, error) {
	return agreement.Agreement{}, errors.New("database unavailable")
}

func TestAcceptSurvivesAgreementCreationFailure(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	repo := NewMemoryRepository()
	c := NewCoordinator(repo).WithAgreementCreator(failingCreator{}).WithLogger(logger)
	apps := seedContract(t, c, "contract-1", "a")

	res, err := c.Accept(ctx, AcceptParams{ContractID: "contract-1", ApplicationID: apps[0].ID, ActingUserID: publisher})
	require.NoError(t, err)
	assert.Nil(t, res.Agreement)
	assert.Len(t, repo.Events(), 1)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "agreement creation deferred", hook.LastEntry().Message)
}
