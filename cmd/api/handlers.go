package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"locumbook/agreement"
	"locumbook/application"
)

func (s *server) handleRegisterContract(w http.ResponseWriter, r *http.Request) {
	var req registerContractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.applications.RegisterContract(r.Context(), req.ContractID, identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractResponse(c))
}

func (s *server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.applications.ListForContract(r.Context(), chi.URLParam(r, "contractID"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": toApplicationResponses(apps)})
}

func (s *server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req submitApplicationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params := application.SubmitParams{
		ContractID:      chi.URLParam(r, "contractID"),
		ApplicantUserID: identityFrom(r.Context()).UserID,
		CategoryID:      req.CategoryID,
	}
	for _, c := range req.Candidates {
		params.Candidates = append(params.Candidates, application.CandidateInput{ID: c.ID, Profile: c.Profile})
	}
	app, err := s.applications.Submit(r.Context(), params)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationResponse(app))
}

func (s *server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.applications.Get(r.Context(), chi.URLParam(r, "applicationID"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (s *server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := identityFrom(r.Context()).UserID
	res, err := s.applications.Accept(r.Context(), application.AcceptParams{
		ContractID:    chi.URLParam(r, "contractID"),
		ApplicationID: chi.URLParam(r, "applicationID"),
		CandidateID:   req.CandidateID,
		ActingUserID:  userID,
	})
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	body := map[string]any{
		"event":        res.Event,
		"accepted":     toApplicationResponse(res.Accepted),
		"applications": toApplicationResponses(res.Applications),
		"agreement":    nil,
	}
	if res.Agreement != nil {
		body["agreement"] = toAgreementResponse(agreement.ViewFor(*res.Agreement, userID))
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	app, err := s.applications.Reject(r.Context(), application.RejectParams{
		ContractID:    chi.URLParam(r, "contractID"),
		ApplicationID: chi.URLParam(r, "applicationID"),
		CandidateID:   req.CandidateID,
		ActingUserID:  identityFrom(r.Context()).UserID,
	})
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (s *server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	app, err := s.applications.Withdraw(r.Context(), chi.URLParam(r, "applicationID"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (s *server) handleAgreementByContract(w http.ResponseWriter, r *http.Request) {
	v, err := s.agreements.GetByContract(r.Context(), chi.URLParam(r, "contractID"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(v))
}

func (s *server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	views, err := s.agreements.List(r.Context(), identityFrom(r.Context()).UserID, agreement.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	out := make([]agreementResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toAgreementResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreements": out})
}

func (s *server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.agreements.PendingActionCount(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	v, err := s.agreements.Get(r.Context(), chi.URLParam(r, "agreementID"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(v))
}

func (s *server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.agreements.Timeline(r.Context(), chi.URLParam(r, "agreementID"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toTimelineResponse(events)})
}

func (s *server) handleSubmitFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := identityFrom(r.Context()).UserID
	a, err := s.agreements.SubmitFee(r.Context(), agreement.FeeParams{
		AgreementID:  chi.URLParam(r, "agreementID"),
		ActingUserID: userID,
		Amount:       *req.AgencyFees,
		FeeType:      agreement.FeeType(req.FeeType),
		Description:  req.FeeDescription,
	})
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(agreement.ViewFor(a, userID)))
}

func (s *server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := identityFrom(r.Context()).UserID
	res, err := s.agreements.Sign(r.Context(), agreement.SignParams{
		AgreementID:    chi.URLParam(r, "agreementID"),
		ActingUserID:   userID,
		SignedName:     req.SignedName,
		SignatureImage: req.Signature,
		OriginAddress:  s.proxies.clientAddress(r),
	})
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"both_signed": res.BothSigned,
		"agreement":   toAgreementResponse(agreement.ViewFor(res.Agreement, userID)),
	})
}

func (s *server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := identityFrom(r.Context()).UserID
	a, err := s.agreements.Decline(r.Context(), chi.URLParam(r, "agreementID"), userID, req.Reason)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(agreement.ViewFor(a, userID)))
}

func (s *server) handleExpire(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreements.Expire(r.Context(), chi.URLParam(r, "agreementID"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(agreement.ViewFor(a, "")))
}
