package middleware

import (
	"context"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// PrincipalKey is the context key for the authorized principal
	PrincipalKey contextKey = "principal"

	// DecisionKey is the context key for the access decision
	DecisionKey contextKey = "decision"
)

// GetRequestIDFromContext returns the ID assigned by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetPrincipalFromContext retrieves the authorized principal from context
func GetPrincipalFromContext(ctx context.Context) *guard.Principal {
	if val := ctx.Value(PrincipalKey); val != nil {
		if p, ok := val.(*guard.Principal); ok {
			return p
		}
	}
	return nil
}

// WithPrincipal adds the authorized principal to the context
func WithPrincipal(ctx context.Context, p *guard.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetDecisionFromContext retrieves the access decision from context
func GetDecisionFromContext(ctx context.Context) (guard.AccessDecision, bool) {
	d, ok := ctx.Value(DecisionKey).(guard.AccessDecision)
	return d, ok
}

// WithDecision adds the access decision to the context
func WithDecision(ctx context.Context, d guard.AccessDecision) context.Context {
	return context.WithValue(ctx, DecisionKey, d)
}

// RequestMeta collects the request fields written to audit rows
func RequestMeta(r *http.Request) models.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return models.RequestMeta{
		RequestID: GetRequestIDFromContext(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}
