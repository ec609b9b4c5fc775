package agreement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"locumbook/booking"
)

// AgreementType names the pair of parties an agreement binds.
type AgreementType string

const (
	TypeProfessionalClinic AgreementType = "professional_clinic"
	TypeAgencyClinic       AgreementType = "agency_clinic"
	TypeAgencyAgency       AgreementType = "agency_agency"
)

// TypeFor derives the agreement type from the booked applicant's role. Headhunters place with
// agencies rather than directly with the institute.
func TypeFor(role booking.ApplicantRole) AgreementType {
	switch role {
	case booking.RoleAgency:
		return TypeAgencyClinic
	case booking.RoleHeadhunter:
		return TypeAgencyAgency
	default:
		return TypeProfessionalClinic
	}
}

func (t AgreementType) Valid() bool {
	switch t {
	case TypeProfessionalClinic, TypeAgencyClinic, TypeAgencyAgency:
		return true
	default:
		return false
	}
}

// StaleAfter is how long an agreement may wait on a party before the overview flags it.
const StaleAfter = 7 * 24 * time.Hour

const (
	defaultAdminPageSize = 25
	maxAdminPageSize     = 100
)

// AdminQuery is the operator's filter over every agreement. Status accepts the legacy names.
// Search matches the agreement number, the contract id or either party's user id. CreatedTo is
// exclusive.
type AdminQuery struct {
	Status      Status
	Type        AgreementType
	Search      string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	StaleOnly   bool
	Limit       int
	Offset      int
}

// AdminFilters is AdminQuery resolved against the clock, as the repositories consume it.
// StaleBefore keeps only non-terminal agreements created before it.
type AdminFilters struct {
	Status      Status
	Type        AgreementType
	Search      string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	StaleBefore *time.Time
	Limit       int
	Offset      int
}

// AdminPage is one page of the overview plus the number of matches across all pages.
type AdminPage struct {
	Agreements []Agreement
	Total      int
	Limit      int
	Offset     int
}

// Statistics summarises every agreement for the operator dashboard. Stale counts non-terminal
// agreements older than StaleAfter.
type Statistics struct {
	Total    int
	ByStatus map[Status]int
	ByType   map[AgreementType]int
	Stale    int
}

func newStatistics() Statistics {
	return Statistics{ByStatus: make(map[Status]int), ByType: make(map[AgreementType]int)}
}

func (s *Statistics) add(status Status, typ AgreementType, n, stale int) {
	s.Total += n
	s.ByStatus[normalizeStatus(status)] += n
	s.ByType[typ] += n
	s.Stale += stale
}

func (q AdminQuery) resolve(now time.Time) (AdminFilters, error) {
	f := AdminFilters{
		Status:      normalizeStatus(q.Status),
		Type:        q.Type,
		Search:      strings.TrimSpace(q.Search),
		CreatedFrom: q.CreatedFrom,
		CreatedTo:   q.CreatedTo,
		Limit:       q.Limit,
		Offset:      q.Offset,
	}
	if q.Status != "" && !q.Status.Valid() {
		return AdminFilters{}, fmt.Errorf("%w: agreement: unknown status %q", booking.ErrValidation, q.Status)
	}
	if f.Type != "" && !f.Type.Valid() {
		return AdminFilters{}, fmt.Errorf("%w: agreement: unknown agreement type %q", booking.ErrValidation, f.Type)
	}
	if f.CreatedFrom != nil && f.CreatedTo != nil && !f.CreatedFrom.Before(*f.CreatedTo) {
		return AdminFilters{}, fmt.Errorf("%w: agreement: date range is empty", booking.ErrValidation)
	}
	if f.Offset < 0 {
		return AdminFilters{}, fmt.Errorf("%w: agreement: offset must not be negative", booking.ErrValidation)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultAdminPageSize
	case f.Limit > maxAdminPageSize:
		f.Limit = maxAdminPageSize
	}
	if q.StaleOnly {
		before := now.Add(-StaleAfter)
		f.StaleBefore = &before
	}
	return f, nil
}

// matches is the in-process rendition of the overview WHERE clause.
func (f AdminFilters) matches(a Agreement) bool {
	if f.Status != "" && normalizeStatus(a.Status) != f.Status {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.CreatedFrom != nil && a.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && !a.CreatedAt.Before(*f.CreatedTo) {
		return false
	}
	if f.StaleBefore != nil && (a.Status.Terminal() || !a.CreatedAt.Before(*f.StaleBefore)) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		found := false
		for _, field := range []string{a.Number, a.ContractID, a.ClientUserID, a.AgencyUserID} {
			if strings.Contains(strings.ToLower(field), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ListAll is the operator overview across every agreement, newest first. Callers must have
// checked the operator role.
func (m *Manager) ListAll(ctx context.Context, q AdminQuery) (AdminPage, error) {
	filters, err := q.resolve(m.now())
	if err != nil {
		return AdminPage{}, err
	}
	items, total, err := m.repo.ListAll(ctx, filters)
	if err != nil {
		return AdminPage{}, err
	}
	return AdminPage{Agreements: items, Total: total, Limit: filters.Limit, Offset: filters.Offset}, nil
}

// Statistics counts agreements by status and type for the operator dashboard.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	return m.repo.Statistics(ctx, m.now().Add(-StaleAfter))
}
