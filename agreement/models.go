package agreement

import (
	"time"

	"github.com/shopspring/decimal"

	"locumbook/booking"
)

// Status is the signature lifecycle state of an agreement.
type Status string

const (
	StatusPendingClient             Status = "pending_client"
	StatusPendingAgency             Status = "pending_agency"
	StatusPendingPublisherSignature Status = "pending_publisher_signature"
	StatusPendingApplicantSignature Status = "pending_applicant_signature"
	StatusPendingApplicantFees      Status = "pending_applicant_fees"
	StatusFullySigned               Status = "fully_signed"
	StatusExpired                   Status = "expired"
	StatusRejected                  Status = "rejected"
)

// FeeType describes how the agency's placement fee is expressed.
type FeeType string

const (
	FeeTypeFixed      FeeType = "fixed"
	FeeTypePercentage FeeType = "percentage"
)

// Fees is the fee sub-record owned by the agreement.
type Fees struct {
	RequiresInput bool
	AgencyFees    *decimal.Decimal
	FeeType       FeeType
	Description   *string
}

// Signature is the append-only record captured when a party signs.
type Signature struct {
	SignerRole        booking.PartyRole
	SignedName        string
	SignatureImageRef string
	CapturedAt        time.Time
	OriginAddress     string
}

// Agreement mirrors the agreements table. It is bound 1:1 to a booked contract.
type Agreement struct {
	ID              string
	Number          string
	ContractID      string
	ApplicationID   string
	CandidateID     *string
	ClientUserID    string
	AgencyUserID    string
	ApplicantRole   booking.ApplicantRole
	Type            AgreementType
	Status          Status
	ClientSigned    bool
	AgencySigned    bool
	ClientSignature *Signature
	AgencySignature *Signature
	Fees            Fees
	DeclineReason   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
}

// TimelineEvent captures an immutable business event for an agreement.
type TimelineEvent struct {
	ID          int64
	AgreementID string
	Type        string
	ActorID     *string
	CreatedAt   time.Time
	Payload     map[string]any
}

// Change is a timeline entry produced by a mutation and persisted with it.
type Change struct {
	Type    string
	ActorID string
	Payload map[string]any
}

const (
	EventAgreementCreated = "AGREEMENT_CREATED"
	EventFeeSubmitted     = "FEE_SUBMITTED"
	EventSigned           = "AGREEMENT_SIGNED"
	EventStatusChanged    = "AGREEMENT_STATUS_CHANGED"
	EventDeclined         = "AGREEMENT_DECLINED"
	EventExpired          = "AGREEMENT_EXPIRED"
)

const (
	// OutboxTopicContractBooked carries a booking.Event that must result in an agreement.
	OutboxTopicContractBooked = "contract.booked"
	// OutboxTopicFullySigned is published whenever an agreement becomes fully signed.
	OutboxTopicFullySigned = "agreement.fully_signed"
)

// PendingAction tells a party what the agreement is waiting on from them.
type PendingAction string

const (
	ActionEnterFees PendingAction = "enter_fees"
	ActionSign      PendingAction = "sign"
	ActionWait      PendingAction = "wait"
	ActionNone      PendingAction = "none"
)

// View is an agreement as seen by one of its parties.
type View struct {
	Agreement
	MyRole        booking.PartyRole
	CanSign       bool
	PendingAction PendingAction
	StatusMessage string
}

// SignResult reports whether a signature completed the agreement.
type SignResult struct {
	Agreement  Agreement
	BothSigned bool
}

func (a *Agreement) signed(role booking.PartyRole) bool {
	if role == booking.PartyClient {
		return a.ClientSigned
	}
	return a.AgencySigned
}
