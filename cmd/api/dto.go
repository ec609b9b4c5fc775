package main

import (
	"time"

	"github.com/shopspring/decimal"

	"locumbook/agreement"
	"locumbook/application"
	"locumbook/booking"
)

type registerContractRequest struct {
	// ContractID is optional; the server generates one when it is empty.
	ContractID string `json:"contract_id" validate:"omitempty,max=128"`
}

type candidateRequest struct {
	ID      string         `json:"id" validate:"required,max=128"`
	Profile map[string]any `json:"profile"`
}

type submitApplicationRequest struct {
	CategoryID *int               `json:"category_id"`
	Candidates []candidateRequest `json:"candidates" validate:"omitempty,dive"`
}

type decisionRequest struct {
	CandidateID *string `json:"candidate_id" validate:"omitempty,max=128"`
}

type feeRequest struct {
	AgencyFees     *decimal.Decimal `json:"agency_fees" validate:"required"`
	FeeType        string           `json:"fee_type" validate:"omitempty,oneof=fixed percentage"`
	FeeDescription string           `json:"fee_description" validate:"max=1000"`
}

type signRequest struct {
	SignedName string `json:"signed_name" validate:"required,max=200"`
	Signature  string `json:"signature" validate:"required"`
}

type declineRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type contractResponse struct {
	ID                  string    `json:"id"`
	PublisherUserID     string    `json:"publisher_user_id"`
	Status              string    `json:"status"`
	BookedApplicationID *string   `json:"booked_application_id"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toContractResponse(c application.Contract) contractResponse {
	return contractResponse{
		ID:                  c.ID,
		PublisherUserID:     c.PublisherUserID,
		Status:              string(c.Status),
		BookedApplicationID: c.BookedApplicationID,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

type applicationResponse struct {
	ID                  string                  `json:"id"`
	ContractID          string                  `json:"contract_id"`
	ApplicantUserID     string                  `json:"applicant_user_id"`
	ApplicantRole       booking.ApplicantRole   `json:"applicant_role"`
	Status              string                  `json:"status"`
	Candidates          []application.Candidate `json:"candidates,omitempty"`
	AcceptedCandidateID *string                 `json:"accepted_candidate_id,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

func toApplicationResponse(a application.Application) applicationResponse {
	return applicationResponse{
		ID:                  a.ID,
		ContractID:          a.ContractID,
		ApplicantUserID:     a.ApplicantUserID,
		ApplicantRole:       a.ApplicantRole,
		Status:              string(a.Status),
		Candidates:          a.Candidates,
		AcceptedCandidateID: a.AcceptedCandidateID,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

func toApplicationResponses(apps []application.Application) []applicationResponse {
	out := make([]applicationResponse, 0, len(apps))
	for _, a := range apps {
		out = append(out, toApplicationResponse(a))
	}
	return out
}

type signatureResponse struct {
	SignedName   string    `json:"signed_name"`
	SignatureRef string    `json:"signature_ref"`
	CapturedAt   time.Time `json:"captured_at"`
}

func toSignatureResponse(s *agreement.Signature) *signatureResponse {
	if s == nil {
		return nil
	}
	return &signatureResponse{SignedName: s.SignedName, SignatureRef: s.SignatureImageRef, CapturedAt: s.CapturedAt}
}

type feesResponse struct {
	RequiresInput bool             `json:"requires_input"`
	AgencyFees    *decimal.Decimal `json:"agency_fees"`
	FeeType       string           `json:"fee_type,omitempty"`
	Description   *string          `json:"fee_description,omitempty"`
}

type agreementResponse struct {
	ID              string                `json:"id"`
	Number          string                `json:"agreement_number"`
	ContractID      string                `json:"contract_id"`
	ApplicationID   string                `json:"application_id"`
	CandidateID     *string               `json:"candidate_id,omitempty"`
	ClientUserID    string                `json:"client_user_id"`
	AgencyUserID    string                `json:"agency_user_id"`
	ApplicantRole   booking.ApplicantRole `json:"applicant_role"`
	AgreementType   string                `json:"agreement_type"`
	Status          string                `json:"status"`
	ClientSigned    bool                  `json:"client_signed"`
	AgencySigned    bool                  `json:"agency_signed"`
	ClientSignature *signatureResponse    `json:"client_signature,omitempty"`
	AgencySignature *signatureResponse    `json:"agency_signature,omitempty"`
	Fees            feesResponse          `json:"fees"`
	DeclineReason   *string               `json:"decline_reason,omitempty"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`

	MyRole        booking.PartyRole `json:"my_role,omitempty"`
	CanSign       bool              `json:"can_sign"`
	PendingAction string            `json:"pending_action"`
	StatusMessage string            `json:"status_message"`
}

func toAgreementResponse(v agreement.View) agreementResponse {
	a := v.Agreement
	return agreementResponse{
		ID:              a.ID,
		Number:          a.Number,
		ContractID:      a.ContractID,
		ApplicationID:   a.ApplicationID,
		CandidateID:     a.CandidateID,
		ClientUserID:    a.ClientUserID,
		AgencyUserID:    a.AgencyUserID,
		ApplicantRole:   a.ApplicantRole,
		AgreementType:   string(a.Type),
		Status:          string(a.Status),
		ClientSigned:    a.ClientSigned,
		AgencySigned:    a.AgencySigned,
		ClientSignature: toSignatureResponse(a.ClientSignature),
		AgencySignature: toSignatureResponse(a.AgencySignature),
		Fees: feesResponse{
			RequiresInput: a.Fees.RequiresInput,
			AgencyFees:    a.Fees.AgencyFees,
			FeeType:       string(a.Fees.FeeType),
			Description:   a.Fees.Description,
		},
		DeclineReason: a.DeclineReason,
		ExpiresAt:     a.ExpiresAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
		MyRole:        v.MyRole,
		CanSign:       v.CanSign,
		PendingAction: string(v.PendingAction),
		StatusMessage: v.StatusMessage,
	}
}

type timelineEventResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	ActorID   *string        `json:"actor_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func toTimelineResponse(events []agreement.TimelineEvent) []timelineEventResponse {
	out := make([]timelineEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEventResponse{ID: e.ID, Type: e.Type, ActorID: e.ActorID, CreatedAt: e.CreatedAt, Payload: e.Payload})
	}
	return out
}
