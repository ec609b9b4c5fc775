package agreement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"locumbook/booking"
)

// agreementNumber renders the human-readable number, e.g. AGR-20240131-9F2C41AB.
func agreementNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return "AGR-" + at.UTC().Format("20060102") + "-" + suffix
}

// CreateFromBooking materialises the agreement for a booked contract. Redelivery of the same
// booking returns the existing agreement unchanged.
func (m *Manager) CreateFromBooking(ctx context.Context, ev booking.Event) (Agreement, error) {
	switch {
	case ev.ContractID == "":
		return Agreement{}, fmt.Errorf("%w: agreement: booking missing contract id", booking.ErrValidation)
	case ev.AcceptedApplicationID == "":
		return Agreement{}, fmt.Errorf("%w: agreement: booking missing application id", booking.ErrValidation)
	case ev.ClientUserID == "" || ev.ApplicantUserID == "":
		return Agreement{}, fmt.Errorf("%w: agreement: booking missing party", booking.ErrValidation)
	}

	now := m.now().UTC()
	a := Agreement{
		ID:            m.idGen(),
		Number:        agreementNumber(now),
		ContractID:    ev.ContractID,
		ApplicationID: ev.AcceptedApplicationID,
		CandidateID:   ev.AcceptedCandidateID,
		ClientUserID:  ev.ClientUserID,
		AgencyUserID:  ev.ApplicantUserID,
		ApplicantRole: ev.ApplicantRole,
		Type:          TypeFor(ev.ApplicantRole),
		Fees: Fees{
			RequiresInput: ev.ApplicantRole.RequiresFeeInput(),
			FeeType:       FeeTypeFixed,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.Status = deriveStatus(&a)
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		a.ExpiresAt = &exp
	}

	payload := map[string]any{
		"contract_id":      ev.ContractID,
		"application_id":   ev.AcceptedApplicationID,
		"applicant_role":   string(ev.ApplicantRole),
		"agreement_type":   string(a.Type),
		"status":           string(a.Status),
		"agreement_number": a.Number,
	}
	if ev.AcceptedCandidateID != nil {
		payload["candidate_id"] = *ev.AcceptedCandidateID
	}
	if !ev.OccurredAt.IsZero() {
		payload["booked_at"] = ev.OccurredAt.UTC()
	}

	rec, created, err := m.repo.Create(ctx, a, Change{
		Type:    EventAgreementCreated,
		ActorID: ev.AcceptedByUserID,
		Payload: payload,
	})
	if err != nil {
		return Agreement{}, err
	}
	if created {
		m.metrics.AgreementCreated()
		m.log.WithFields(logrus.Fields{
			"agreement_id": rec.ID,
			"contract_id":  rec.ContractID,
			"status":       rec.Status,
		}).Info("agreement created")
	}
	return rec, nil
}
