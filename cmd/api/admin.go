package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"locumbook/agreement"
	"locumbook/booking"
)

type adminListRequest struct {
	Status   string `validate:"omitempty,max=64"`
	Type     string `validate:"omitempty,oneof=professional_clinic agency_clinic agency_agency"`
	Search   string `validate:"max=200"`
	DateFrom string `validate:"omitempty,max=64"`
	DateTo   string `validate:"omitempty,max=64"`
	Limit    int    `validate:"min=0,max=100"`
	Offset   int    `validate:"min=0"`
}

// parseAdminQuery reads the overview filters from the query string. date_from and date_to take a
// day (2006-01-02) or an RFC 3339 instant; a bare date_to includes the whole day.
func parseAdminQuery(q url.Values) (agreement.AdminQuery, error) {
	req := adminListRequest{
		Status:   q.Get("status"),
		Type:     q.Get("type"),
		Search:   q.Get("search"),
		DateFrom: q.Get("date_from"),
		DateTo:   q.Get("date_to"),
	}
	var err error
	if req.Limit, err = queryInt(q, "limit"); err != nil {
		return agreement.AdminQuery{}, err
	}
	if req.Offset, err = queryInt(q, "offset"); err != nil {
		return agreement.AdminQuery{}, err
	}
	if err := validate.Struct(req); err != nil {
		return agreement.AdminQuery{}, fmt.Errorf("%w: %s", booking.ErrValidation, validationSummary(err))
	}

	out := agreement.AdminQuery{
		Status: agreement.Status(req.Status),
		Type:   agreement.AgreementType(req.Type),
		Search: req.Search,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if out.CreatedFrom, err = queryTime("date_from", req.DateFrom, false); err != nil {
		return agreement.AdminQuery{}, err
	}
	if out.CreatedTo, err = queryTime("date_to", req.DateTo, true); err != nil {
		return agreement.AdminQuery{}, err
	}
	if raw := q.Get("stale_only"); raw != "" {
		if out.StaleOnly, err = strconv.ParseBool(raw); err != nil {
			return agreement.AdminQuery{}, fmt.Errorf("%w: stale_only must be a boolean", booking.ErrValidation)
		}
	}
	return out, nil
}

func queryInt(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", booking.ErrValidation, key)
	}
	return n, nil
}

func queryTime(key, raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if day, err := time.Parse(time.DateOnly, raw); err == nil {
		if endOfDay {
			day = day.Add(24 * time.Hour)
		}
		return &day, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a date or RFC 3339 time", booking.ErrValidation, key)
	}
	return &at, nil
}

func validationSummary(err error) string {
	details := validationDetails(err)
	msgs := make([]string, 0, len(details))
	for _, d := range details {
		msgs = append(msgs, d.Message)
	}
	return strings.Join(msgs, "; ")
}

type adminListResponse struct {
	Agreements []agreementResponse `json:"agreements"`
	Pagination struct {
		Total  int `json:"total"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	} `json:"pagination"`
}

func (s *server) handleAdminListAgreements(w http.ResponseWriter, r *http.Request) {
	q, err := parseAdminQuery(r.URL.Query())
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	page, err := s.agreements.ListAll(r.Context(), q)
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	var out adminListResponse
	out.Agreements = make([]agreementResponse, 0, len(page.Agreements))
	for _, a := range page.Agreements {
		out.Agreements = append(out.Agreements, toAgreementResponse(agreement.ViewFor(a, "")))
	}
	out.Pagination.Total = page.Total
	out.Pagination.Limit = page.Limit
	out.Pagination.Offset = page.Offset
	writeJSON(w, http.StatusOK, out)
}

type statisticsResponse struct {
	TotalAgreements      int            `json:"total_agreements"`
	FullySigned          int            `json:"fully_signed"`
	PendingClient        int            `json:"pending_client"`
	PendingAgency        int            `json:"pending_agency"`
	PendingApplicantFees int            `json:"pending_applicant_fees"`
	Expired              int            `json:"expired"`
	Rejected             int            `json:"rejected"`
	Stale                int            `json:"stale"`
	ByType               map[string]int `json:"by_type"`
}

func (s *server) handleAgreementStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.agreements.Statistics(r.Context())
	if err != nil {
		writeDomainError(w, r, s.log, err)
		return
	}
	out := statisticsResponse{
		TotalAgreements:      stats.Total,
		FullySigned:          stats.ByStatus[agreement.StatusFullySigned],
		PendingClient:        stats.ByStatus[agreement.StatusPendingClient],
		PendingAgency:        stats.ByStatus[agreement.StatusPendingAgency],
		PendingApplicantFees: stats.ByStatus[agreement.StatusPendingApplicantFees],
		Expired:              stats.ByStatus[agreement.StatusExpired],
		Rejected:             stats.ByStatus[agreement.StatusRejected],
		Stale:                stats.Stale,
		ByType:               make(map[string]int, len(stats.ByType)),
	}
	for typ, n := range stats.ByType {
		out.ByType[string(typ)] = n
	}
	writeJSON(w, http.StatusOK, out)
}
