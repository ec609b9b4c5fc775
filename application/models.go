package application

import (
	"time"

	"locumbook/booking"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

type ContractStatus string

const (
	ContractOpen      ContractStatus = "open"
	ContractBooked    ContractStatus = "booked"
	ContractCancelled ContractStatus = "cancelled"
)

// Candidate is a person an agency or headhunter puts forward inside one application.
type Candidate struct {
	ID       string         `json:"id"`
	Profile  map[string]any `json:"profile,omitempty"`
	Rejected bool           `json:"rejected,omitempty"`
}

type Application struct {
	ID                  string
	ContractID          string
	ApplicantUserID     string
	ApplicantRole       booking.ApplicantRole
	Status              Status
	Candidates          []Candidate
	AcceptedCandidateID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// MultiCandidate reports whether accepting the application requires picking a candidate.
func (a Application) MultiCandidate() bool {
	return len(a.Candidates) > 0
}

func (a *Application) candidate(id string) (*Candidate, bool) {
	for i := range a.Candidates {
		if a.Candidates[i].ID == id {
			return &a.Candidates[i], true
		}
	}
	return nil, false
}

func (a Application) clone() Application {
	out := a
	if a.Candidates != nil {
		out.Candidates = make([]Candidate, len(a.Candidates))
		for i, c := range a.Candidates {
			out.Candidates[i] = c
			if c.Profile != nil {
				p := make(map[string]any, len(c.Profile))
				for k, v := range c.Profile {
					p[k] = v
				}
				out.Candidates[i].Profile = p
			}
		}
	}
	if a.AcceptedCandidateID != nil {
		v := *a.AcceptedCandidateID
		out.AcceptedCandidateID = &v
	}
	return out
}

type Contract struct {
	ID                  string
	PublisherUserID     string
	Status              ContractStatus
	BookedApplicationID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ContractSet is the locked view of one contract and all of its applications handed to a
// Repository.WithContract callback. Mutations are recorded so the repository writes back only
// what changed.
type ContractSet struct {
	Contract     Contract
	Applications []Application

	contractChanged bool
	changed         map[string]bool
	added           map[string]bool
	events          []booking.Event
}

func newContractSet(c Contract, apps []Application) *ContractSet {
	return &ContractSet{
		Contract:     c,
		Applications: apps,
		changed:      make(map[string]bool),
		added:        make(map[string]bool),
	}
}

// Find returns a pointer into the set; changes through it must be reported with MarkChanged.
func (s *ContractSet) Find(applicationID string) (*Application, bool) {
	for i := range s.Applications {
		if s.Applications[i].ID == applicationID {
			return &s.Applications[i], true
		}
	}
	return nil, false
}

func (s *ContractSet) Add(app Application) {
	s.Applications = append(s.Applications, app)
	s.added[app.ID] = true
}

func (s *ContractSet) MarkChanged(applicationID string) {
	if !s.added[applicationID] {
		s.changed[applicationID] = true
	}
}

func (s *ContractSet) MarkContractChanged() {
	s.contractChanged = true
}

// Emit queues a booking event to be persisted with the set.
func (s *ContractSet) Emit(ev booking.Event) {
	s.events = append(s.events, ev)
}

func (s *ContractSet) snapshot() []Application {
	out := make([]Application, len(s.Applications))
	for i, a := range s.Applications {
		out[i] = a.clone()
	}
	return out
}
