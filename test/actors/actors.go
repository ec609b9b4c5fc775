package actors

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"locumbook/agreement"
	"locumbook/application"
	"locumbook/booking"
)

// Contract is a seeded contract the actors compete over.
type Contract struct {
	ID          string
	PublisherID string
}

// Stats counts what the actors did. Rejections are taxonomy errors the services are expected to
// return under contention; transient errors come from chaos killing connections.
type Stats struct {
	Submitted  atomic.Int64
	Accepted   atomic.Int64
	Rejected   atomic.Int64
	Withdrawn  atomic.Int64
	FeesSet    atomic.Int64
	Signed     atomic.Int64
	Completed  atomic.Int64
	Refused    atomic.Int64
	Transient  atomic.Int64
	LastErr    atomic.Value
}

func (s *Stats) record(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case booking.Code(err) != "INTERNAL":
		s.Refused.Add(1)
	default:
		s.Transient.Add(1)
		s.LastErr.Store(err.Error())
	}
	return nil
}

func pause() {
	time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Applicant keeps filing applications to random contracts. Agencies put forward two candidates.
// Now and then it withdraws what it just filed.
func Applicant(ctx context.Context, coord *application.Coordinator, contracts []Contract, userID string, categoryID *int, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		c := contracts[rand.Intn(len(contracts))]
		params := application.SubmitParams{ContractID: c.ID, ApplicantUserID: userID, CategoryID: categoryID}
		if booking.RoleFromCategory(categoryID).Intermediary() {
			params.Candidates = []application.CandidateInput{{ID: "cand-1"}, {ID: "cand-2"}}
		}
		app, err := coord.Submit(ctx, params)
		if err := stats.record(err); err != nil {
			return nil
		}
		if err == nil {
			stats.Submitted.Add(1)
			if rand.Intn(6) == 0 {
				_, werr := coord.Withdraw(ctx, app.ID, userID)
				if werr == nil {
					stats.Withdrawn.Add(1)
				} else if err := stats.record(werr); err != nil {
					return nil
				}
			}
		}
		pause()
	}
	return nil
}

// Acceptor plays a contract publisher racing other acceptors: it accepts or rejects random
// pending applications on random contracts.
func Acceptor(ctx context.Context, coord *application.Coordinator, contracts []Contract, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		c := contracts[rand.Intn(len(contracts))]
		apps, err := coord.ListForContract(ctx, c.ID, c.PublisherID)
		if err := stats.record(err); err != nil {
			return nil
		}
		var pending []application.Application
		for _, a := range apps {
			if a.Status == application.StatusPending {
				pending = append(pending, a)
			}
		}
		if len(pending) == 0 {
			pause()
			continue
		}
		target := pending[rand.Intn(len(pending))]
		var candidate *string
		if target.MultiCandidate() {
			id := target.Candidates[rand.Intn(len(target.Candidates))].ID
			candidate = &id
		}

		if rand.Intn(5) == 0 {
			_, err = coord.Reject(ctx, application.RejectParams{ContractID: c.ID, ApplicationID: target.ID, CandidateID: candidate, ActingUserID: c.PublisherID})
			if err == nil {
				stats.Rejected.Add(1)
			}
		} else {
			_, err = coord.Accept(ctx, application.AcceptParams{ContractID: c.ID, ApplicationID: target.ID, CandidateID: candidate, ActingUserID: c.PublisherID})
			if err == nil {
				stats.Accepted.Add(1)
			}
		}
		if err := stats.record(err); err != nil {
			return nil
		}
		pause()
	}
	return nil
}

// Signer drives every agreement the user is party to: fees first when the agency owes them, then
// the signature the user can give. Several signers may share a user to race on the same row.
func Signer(ctx context.Context, mgr *agreement.Manager, userID, signatureImage string, stats *Stats, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		views, err := mgr.List(ctx, userID, "")
		if err := stats.record(err); err != nil {
			return nil
		}
		for _, v := range views {
			if done(ctx, stop) {
				return nil
			}
			switch v.PendingAction {
			case agreement.ActionEnterFees:
				_, err = mgr.SubmitFee(ctx, agreement.FeeParams{
					AgreementID:  v.ID,
					ActingUserID: userID,
					Amount:       decimal.NewFromInt(int64(500 + rand.Intn(1500))),
				})
				if err == nil {
					stats.FeesSet.Add(1)
				}
			case agreement.ActionSign:
				var res agreement.SignResult
				res, err = mgr.Sign(ctx, agreement.SignParams{
					AgreementID:    v.ID,
					ActingUserID:   userID,
					SignedName:     "Stress " + userID,
					SignatureImage: signatureImage,
					OriginAddress:  "127.0.0.1",
				})
				if err == nil {
					stats.Signed.Add(1)
					if res.BothSigned {
						stats.Completed.Add(1)
					}
				}
			default:
				continue
			}
			if err := stats.record(err); err != nil {
				return nil
			}
		}
		pause()
	}
	return nil
}
