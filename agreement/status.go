package agreement

import (
	"fmt"

	"locumbook/booking"
)

// transitions lists the forward edges of the signature state machine. Terminal states have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusPendingApplicantFees: {StatusPendingAgency, StatusExpired, StatusRejected},
	StatusPendingAgency:        {StatusPendingClient, StatusExpired, StatusRejected},
	StatusPendingClient:        {StatusFullySigned, StatusExpired, StatusRejected},
}

// normalizeStatus folds the legacy applicant/publisher names onto the agency/client states.
func normalizeStatus(s Status) Status {
	switch s {
	case StatusPendingApplicantSignature:
		return StatusPendingAgency
	case StatusPendingPublisherSignature:
		return StatusPendingClient
	default:
		return s
	}
}

// Terminal reports whether no further signature or fee mutation is accepted.
func (s Status) Terminal() bool {
	switch normalizeStatus(s) {
	case StatusFullySigned, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status, including legacy aliases.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingClient, StatusPendingAgency, StatusPendingPublisherSignature,
		StatusPendingApplicantSignature, StatusPendingApplicantFees,
		StatusFullySigned, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

func validateTransition(from, to Status) error {
	from, to = normalizeStatus(from), normalizeStatus(to)
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: agreement: invalid transition %s -> %s", booking.ErrInvalidState, from, to)
}

// deriveStatus computes the pending state from the signature flags and the fee gate.
// fully_signed holds exactly when both parties have signed.
func deriveStatus(a *Agreement) Status {
	switch {
	case a.ClientSigned && a.AgencySigned:
		return StatusFullySigned
	case a.AgencySigned:
		return StatusPendingClient
	case a.Fees.RequiresInput:
		return StatusPendingApplicantFees
	default:
		return StatusPendingAgency
	}
}

// advance moves a to its derived status, enforcing forward-only transitions.
func advance(a *Agreement, actorID string) ([]Change, error) {
	prev := a.Status
	next := deriveStatus(a)
	if err := validateTransition(prev, next); err != nil {
		return nil, err
	}
	if normalizeStatus(prev) == next {
		a.Status = next
		return nil, nil
	}
	a.Status = next
	return []Change{{
		Type:    EventStatusChanged,
		ActorID: actorID,
		Payload: map[string]any{
			"previous_status": string(prev),
			"next_status":     string(next),
		},
	}}, nil
}

var statusMessages = map[Status]string{
	StatusPendingApplicantFees: "Waiting for Applicant Fees",
	StatusPendingAgency:        "Waiting for Applicant Signature",
	StatusPendingClient:        "Waiting for Publisher Signature",
	StatusFullySigned:          "Fully Signed",
	StatusRejected:             "Rejected",
	StatusExpired:              "Expired",
}

// Describe projects a for the acting party.
func Describe(a Agreement, role booking.PartyRole) View {
	v := View{Agreement: a, MyRole: role, PendingAction: ActionNone}
	status := normalizeStatus(a.Status)
	v.StatusMessage = statusMessages[status]

	if status.Terminal() {
		return v
	}
	switch role {
	case booking.PartyAgency:
		switch {
		case a.AgencySigned:
			v.PendingAction = ActionWait
		case a.Fees.RequiresInput:
			v.PendingAction = ActionEnterFees
			v.StatusMessage = "Enter your placement fee"
		default:
			v.PendingAction = ActionSign
			v.CanSign = true
			v.StatusMessage = "Sign Now"
		}
	case booking.PartyClient:
		switch {
		case a.ClientSigned:
			v.PendingAction = ActionNone
		case a.AgencySigned:
			v.PendingAction = ActionSign
			v.CanSign = true
			v.StatusMessage = "Sign Now"
		default:
			v.PendingAction = ActionWait
		}
	}
	return v
}

// NeedsAction reports whether the party has a fee to enter or a signature to give.
func (v View) NeedsAction() bool {
	return v.PendingAction == ActionEnterFees || v.PendingAction == ActionSign
}

// ViewFor projects a for userID. A caller who is not a party gets a view with no actions.
func ViewFor(a Agreement, userID string) View {
	role, _ := resolveRole(a, userID)
	return Describe(a, role)
}
