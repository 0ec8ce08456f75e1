package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessAuditLog records one access decision made by the gateway
type AccessAuditLog struct {
	ID             uuid.UUID `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id,omitempty" db:"tenant_id"`
	PrincipalID    string    `json:"principal_id,omitempty" db:"principal_id"`
	SessionID      string    `json:"session_id,omitempty" db:"session_id"`
	Portal         string    `json:"portal" db:"portal"`
	Allowed        bool      `json:"allowed" db:"allowed"`
	ReasonCode     string    `json:"reason_code" db:"reason_code"`
	RedirectTarget string    `json:"redirect_target,omitempty" db:"redirect_target"`
	Method         string    `json:"method" db:"method"`
	Path           string    `json:"path" db:"path"`
	IPAddress      string    `json:"ip_address" db:"ip_address"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	RequestID      string    `json:"request_id" db:"request_id"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
}

// NewAccessAuditLog creates an entry for a decision on portal
func NewAccessAuditLog(portal string, allowed bool, reasonCode string) *AccessAuditLog {
	return &AccessAuditLog{
		ID:         uuid.New(),
		Portal:     portal,
		Allowed:    allowed,
		ReasonCode: reasonCode,
		Timestamp:  time.Now(),
	}
}

// WithPrincipal sets the tenant, principal and session the decision applied to
func (a *AccessAuditLog) WithPrincipal(tenantID, principalID, sessionID string) *AccessAuditLog {
	a.TenantID = tenantID
	a.PrincipalID = principalID
	a.SessionID = sessionID
	return a
}

// WithRedirect sets the redirect target handed to the caller
func (a *AccessAuditLog) WithRedirect(target string) *AccessAuditLog {
	a.RedirectTarget = target
	return a
}

// WithRequest sets request metadata
func (a *AccessAuditLog) WithRequest(requestID, method, path, ipAddress, userAgent string) *AccessAuditLog {
	a.RequestID = requestID
	a.Method = method
	a.Path = path
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	return a
}

// RequestMeta describes the HTTP request behind an audited event
type RequestMeta struct {
	RequestID string
	Method    string
	Path      string
	IPAddress string
	UserAgent string
}

// WithRequestMeta sets request metadata from meta
func (a *AccessAuditLog) WithRequestMeta(meta RequestMeta) *AccessAuditLog {
	return a.WithRequest(meta.RequestID, meta.Method, meta.Path, meta.IPAddress, meta.UserAgent)
}
