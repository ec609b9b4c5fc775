package booking

import (
	"fmt"
	"time"
)

// ApplicantRole is the category an applicant applied under. It is resolved once when the
// application is submitted and never re-derived afterwards.
type ApplicantRole string

const (
	RoleProfessional ApplicantRole = "professional"
	RoleAgency       ApplicantRole = "agency"
	RoleHeadhunter   ApplicantRole = "headhunter"
)

// Institute category ids used by the profile service for intermediaries.
const (
	categoryAgency     = 3
	categoryHeadhunter = 4
)

// RoleFromCategory maps a profile's institute category to an applicant role. Profiles without
// an institute category are direct professionals.
func RoleFromCategory(categoryID *int) ApplicantRole {
	if categoryID == nil {
		return RoleProfessional
	}
	switch *categoryID {
	case categoryAgency:
		return RoleAgency
	case categoryHeadhunter:
		return RoleHeadhunter
	default:
		return RoleProfessional
	}
}

// ParseApplicantRole validates a stored role value.
func ParseApplicantRole(s string) (ApplicantRole, error) {
	switch r := ApplicantRole(s); r {
	case RoleProfessional, RoleAgency, RoleHeadhunter:
		return r, nil
	case "":
		return RoleProfessional, nil
	default:
		return "", fmt.Errorf("%w: unknown applicant role %q", ErrValidation, s)
	}
}

// Intermediary reports whether the applicant places candidates on behalf of others.
func (r ApplicantRole) Intermediary() bool {
	switch r {
	case RoleAgency, RoleHeadhunter:
		return true
	default:
		return false
	}
}

// RequiresFeeInput reports whether an agreement for this role starts behind the fee gate.
func (r ApplicantRole) RequiresFeeInput() bool {
	return r.Intermediary()
}

// PartyRole is the side a user acts for on an agreement.
type PartyRole string

const (
	PartyClient PartyRole = "client"
	PartyAgency PartyRole = "agency"
)

// Event is emitted by the acceptance coordinator once a contract is booked and consumed by the
// agreement lifecycle manager to create the contract's agreement.
type Event struct {
	ContractID            string        `json:"contract_id"`
	AcceptedApplicationID string        `json:"accepted_application_id"`
	AcceptedCandidateID   *string       `json:"accepted_candidate_id,omitempty"`
	ClientUserID          string        `json:"client_user_id"`
	ApplicantUserID       string        `json:"applicant_user_id"`
	ApplicantRole         ApplicantRole `json:"applicant_role"`
	AcceptedByUserID      string        `json:"accepted_by_user_id"`
	OccurredAt            time.Time     `json:"occurred_at"`
}
