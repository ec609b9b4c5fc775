package auth

import "time"

type Role string

const (
	// RoleMember is any marketplace user; what they may do on a contract or agreement is decided
	// by the booking core from the record itself.
	RoleMember Role = "member"
	// RoleAdmin may drive operator events such as explicit agreement expiry.
	RoleAdmin Role = "admin"
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) Admin() bool {
	return i.Role == RoleAdmin
}

// IssueRequest describes a token to mint for tooling and tests.
type IssueRequest struct {
	UserID string
	Role   Role
	TTL    time.Duration
}
