package agreement

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"locumbook/booking"
)

type FeeParams struct {
	AgreementID  string
	ActingUserID string
	Amount       decimal.Decimal
	FeeType      FeeType
	Description  string
}

var (
	hundred = decimal.NewFromInt(100)
	// maxFee is the first amount agency_fees numeric(12, 2) cannot hold.
	maxFee = decimal.New(1, 10)
)

func (p *FeeParams) normalize() error {
	if p.AgreementID == "" {
		return fmt.Errorf("%w: agreement: missing agreement id", booking.ErrValidation)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: agreement: fee must be greater than zero", booking.ErrValidation)
	}
	if !p.Amount.Equal(p.Amount.Round(2)) {
		return fmt.Errorf("%w: agreement: fee has more than two decimal places", booking.ErrValidation)
	}
	if p.Amount.GreaterThanOrEqual(maxFee) {
		return fmt.Errorf("%w: agreement: fee must be below %s", booking.ErrValidation, maxFee)
	}
	switch p.FeeType {
	case "":
		p.FeeType = FeeTypeFixed
	case FeeTypeFixed:
	case FeeTypePercentage:
		if p.Amount.GreaterThan(hundred) {
			return fmt.Errorf("%w: agreement: percentage fee above 100", booking.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: agreement: unknown fee type %q", booking.ErrValidation, p.FeeType)
	}
	p.Description = strings.TrimSpace(p.Description)
	return nil
}

// SubmitFee is the fee gate. It records the agency's fee and opens the agency signature. The fee
// may be revised until the agency signs and is fixed from then on.
func (m *Manager) SubmitFee(ctx context.Context, params FeeParams) (Agreement, error) {
	updated, err := m.submitFee(ctx, params)
	m.metrics.Fee(err)
	return updated, err
}

func (m *Manager) submitFee(ctx context.Context, params FeeParams) (Agreement, error) {
	if err := params.normalize(); err != nil {
		return Agreement{}, err
	}

	var expired bool
	updated, err := m.repo.Update(ctx, params.AgreementID, func(a *Agreement) ([]Change, error) {
		role, err := resolveRole(*a, params.ActingUserID)
		if err != nil {
			return nil, err
		}
		if a.Status.Terminal() {
			return nil, terminalError(*a)
		}
		if m.deadlinePassed(*a) {
			expired = true
			return markExpired(a, params.ActingUserID, "deadline_passed"), nil
		}
		if role != booking.PartyAgency {
			return nil, fmt.Errorf("%w: agreement: only the agency enters fees", booking.ErrForbidden)
		}
		if !a.ApplicantRole.RequiresFeeInput() {
			return nil, fmt.Errorf("%w: agreement: %s applications carry no agency fee", booking.ErrInvalidState, a.ApplicantRole)
		}
		if a.AgencySigned {
			return nil, fmt.Errorf("%w: agreement: fee is fixed once the agency has signed", booking.ErrInvalidState)
		}

		amount := params.Amount
		a.Fees.AgencyFees = &amount
		a.Fees.FeeType = params.FeeType
		if params.Description != "" {
			desc := params.Description
			a.Fees.Description = &desc
		} else {
			a.Fees.Description = nil
		}
		a.Fees.RequiresInput = false

		changes := []Change{{
			Type:    EventFeeSubmitted,
			ActorID: params.ActingUserID,
			Payload: map[string]any{
				"agency_fees":     amount.String(),
				"fee_type":        string(params.FeeType),
				"fee_description": params.Description,
			},
		}}
		statusChanges, err := advance(a, params.ActingUserID)
		if err != nil {
			return nil, err
		}
		return append(changes, statusChanges...), nil
	})
	if err != nil {
		return Agreement{}, err
	}
	if expired {
		return updated, fmt.Errorf("%w: agreement %s", booking.ErrExpired, params.AgreementID)
	}

	m.log.WithFields(logrus.Fields{
		"agreement_id": updated.ID,
		"actor_id":     params.ActingUserID,
		"status":       updated.Status,
	}).Info("agency fee recorded")
	return updated, nil
}
