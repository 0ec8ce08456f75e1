package guard

import (
	"errors"
	"time"
)

// Role is a closed set of role tags a principal can hold
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// knownRoles lists every role tag the platform recognises
var knownRoles = map[Role]struct{}{
	RoleAdmin:    {},
	RoleCustomer: {},
}

// ParseRole converts a raw role tag into a Role.
// Returns false for tags outside the closed set.
func ParseRole(tag string) (Role, bool) {
	r := Role(tag)
	if _, ok := knownRoles[r]; !ok {
		return "", false
	}
	return r, true
}

// Valid reports whether the role belongs to the closed set
func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

// RoleSet is a set of role tags held by a principal
type RoleSet map[Role]struct{}

// NewRoleSet builds a RoleSet from raw tags, dropping unknown ones
func NewRoleSet(tags ...string) RoleSet {
	set := make(RoleSet, len(tags))
	for _, tag := range tags {
		if r, ok := ParseRole(tag); ok {
			set[r] = struct{}{}
		}
	}
	return set
}

// Has reports membership of a role in the set
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Strings returns the roles in a stable order (admin before customer)
func (s RoleSet) Strings() []string {
	out := make([]string, 0, len(s))
	for _, r := range []Role{RoleAdmin, RoleCustomer} {
		if s.Has(r) {
			out = append(out, string(r))
		}
	}
	return out
}

// Principal is the authenticated actor resolved from a token
type Principal struct {
	PrincipalID string
	TenantID    string
	Roles       RoleSet
	TokenExpiry time.Time

	// SessionID identifies the issued token for revocation (JWT jti). May be empty.
	SessionID string
	Email     string

	// IssuedAt is the token's iat; zero when the token has none
	IssuedAt time.Time
}

// PortalName identifies a deployable portal
type PortalName string

const (
	PortalAdmin    PortalName = "admin"
	PortalCustomer PortalName = "customer"
)

// PortalDescriptor is the static configuration of a portal
type PortalDescriptor struct {
	Name         PortalName `yaml:"name" json:"name" validate:"required,oneof=admin customer"`
	RequiredRole Role       `yaml:"required_role" json:"required_role" validate:"required,oneof=admin customer"`
	BasePath     string     `yaml:"base_path" json:"base_path" validate:"omitempty,startswith=/"`
}

// ReasonCode explains an AccessDecision
type ReasonCode string

const (
	ReasonOK                ReasonCode = "OK"
	ReasonInvalidToken      ReasonCode = "INVALID_TOKEN"
	ReasonExpired           ReasonCode = "EXPIRED"
	ReasonForbidden         ReasonCode = "FORBIDDEN"
	ReasonLookupUnavailable ReasonCode = "LOOKUP_UNAVAILABLE"
)

// AccessDecision is the outcome of a single evaluation.
// TenantID and PrincipalID are copied from the parsed token whenever one parsed.
type AccessDecision struct {
	Allowed        bool       `json:"allowed"`
	ReasonCode     ReasonCode `json:"reason_code"`
	RedirectTarget string     `json:"redirect_target,omitempty"`
	TenantID       string     `json:"tenant_id,omitempty"`
	PrincipalID    string     `json:"principal_id,omitempty"`
}

// HasRedirect reports whether the rendering layer must navigate away
func (d AccessDecision) HasRedirect() bool {
	return d.RedirectTarget != ""
}

var (
	// ErrMalformedToken is returned by parsers when a token cannot become a Principal
	ErrMalformedToken = errors.New("malformed token")

	// ErrRevoked is returned by a Lookup when the session was revoked
	ErrRevoked = errors.New("session revoked")
)
