package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/internal/observability"
	"github.com/hosterizer/portal-gateway/models"
	"github.com/hosterizer/portal-gateway/utils"
)

// DefaultSessionCookieName is the cookie set by the login handler
const DefaultSessionCookieName = "session"

// DecisionRecorder receives every decision made at the HTTP edge
type DecisionRecorder interface {
	RecordDecision(portal guard.PortalName, decision guard.AccessDecision, sessionID string, meta models.RequestMeta) error
}

// AuthConfig holds configuration for AuthMiddleware
type AuthConfig struct {
	CookieName string

	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// AuthMiddleware puts the access guard in front of portal pages and APIs
type AuthMiddleware struct {
	guard      *guard.Guard
	portals    *guard.PortalTable
	recorder   DecisionRecorder
	metrics    *observability.Metrics
	logger     *zap.Logger
	cookieName string
	now        func() time.Time
}

// NewAuthMiddleware creates a new AuthMiddleware. recorder and metrics may be nil.
func NewAuthMiddleware(g *guard.Guard, portals *guard.PortalTable, recorder DecisionRecorder, metrics *observability.Metrics, logger *zap.Logger, cfg AuthConfig) *AuthMiddleware {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultSessionCookieName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AuthMiddleware{
		guard:      g,
		portals:    portals,
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger,
		cookieName: cfg.CookieName,
		now:        cfg.Now,
	}
}

// Protect guards a portal's pages. Allowed requests carry the principal and
// decision in their context; redirect decisions become 302s with return_to;
// forbidden callers get 403 and an unavailable lookup gets 503.
func (m *AuthMiddleware) Protect(name guard.PortalName) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			portal, ok := m.portals.Lookup(name)
			if !ok {
				m.logger.Error("portal not configured", zap.String("portal", string(name)))
				_ = utils.WriteNotFound(w, "Portal not found")
				return
			}

			decision, principal := m.authorize(r, portal)
			if decision.Allowed {
				next.ServeHTTP(w, r.WithContext(withAccess(r, decision, principal)))
				return
			}

			if decision.HasRedirect() {
				http.Redirect(w, r, redirectURL(decision.RedirectTarget, r.URL.RequestURI()), http.StatusFound)
				return
			}
			writeDenied(w, decision)
		})
	}
}

// RequireAPI guards JSON endpoints. The request passes when the token grants
// any of the named portals (all portals when none are named); the session
// lookup runs once per request. Denials are JSON: 401 for invalid or expired
// tokens, 403 forbidden, 503 unavailable.
func (m *AuthMiddleware) RequireAPI(names ...guard.PortalName) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			portals := m.resolve(names)
			if len(portals) == 0 {
				m.logger.Error("no portals configured for api route", zap.String("path", r.URL.Path))
				_ = utils.WriteForbidden(w, "")
				return
			}

			decision, portal, principal := m.guard.AuthorizeAny(r.Context(), m.ExtractToken(r), portals, m.now())
			m.record(r, portal.Name, decision, principal)
			if !decision.Allowed {
				writeDenied(w, decision)
				return
			}
			next.ServeHTTP(w, r.WithContext(withAccess(r, decision, principal)))
		})
	}
}

// EvaluateToken runs the guard for an explicit token and records the outcome
func (m *AuthMiddleware) EvaluateToken(r *http.Request, token string, portal guard.PortalDescriptor) guard.AccessDecision {
	decision, principal := m.guard.Authorize(r.Context(), token, portal, m.now())
	m.record(r, portal.Name, decision, principal)
	return decision
}

// ExtractToken returns the bearer token from the Authorization header,
// falling back to the session cookie.
func (m *AuthMiddleware) ExtractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// CookieName returns the session cookie name
func (m *AuthMiddleware) CookieName() string {
	return m.cookieName
}

func (m *AuthMiddleware) authorize(r *http.Request, portal guard.PortalDescriptor) (guard.AccessDecision, *guard.Principal) {
	decision, principal := m.guard.Authorize(r.Context(), m.ExtractToken(r), portal, m.now())
	m.record(r, portal.Name, decision, principal)
	return decision, principal
}

func (m *AuthMiddleware) record(r *http.Request, portal guard.PortalName, decision guard.AccessDecision, principal *guard.Principal) {
	m.metrics.RecordDecision(string(portal), string(decision.ReasonCode))

	meta := RequestMeta(r)
	fields := []zap.Field{
		zap.String("request_id", meta.RequestID),
		zap.String("portal", string(portal)),
		zap.String("reason_code", string(decision.ReasonCode)),
		zap.String("tenant_id", decision.TenantID),
		zap.String("principal_id", decision.PrincipalID),
	}
	if decision.Allowed {
		m.logger.Debug("access granted", fields...)
	} else {
		m.logger.Info("access denied", fields...)
	}

	if m.recorder == nil {
		return
	}
	var sessionID string
	if principal != nil {
		sessionID = principal.SessionID
	}
	if err := m.recorder.RecordDecision(portal, decision, sessionID, meta); err != nil {
		m.logger.Warn("failed to record access decision",
			zap.String("request_id", meta.RequestID),
			zap.Error(err))
	}
}

func (m *AuthMiddleware) resolve(names []guard.PortalName) []guard.PortalDescriptor {
	if len(names) == 0 {
		return m.portals.All()
	}
	out := make([]guard.PortalDescriptor, 0, len(names))
	for _, name := range names {
		if p, ok := m.portals.Lookup(name); ok {
			out = append(out, p)
		}
	}
	return out
}

func withAccess(r *http.Request, decision guard.AccessDecision, principal *guard.Principal) context.Context {
	ctx := WithDecision(r.Context(), decision)
	return WithPrincipal(ctx, principal)
}

func writeDenied(w http.ResponseWriter, decision guard.AccessDecision) {
	details := map[string]interface{}{"reason_code": decision.ReasonCode}
	if decision.HasRedirect() {
		details["redirect_target"] = decision.RedirectTarget
	}

	switch decision.ReasonCode {
	case guard.ReasonInvalidToken, guard.ReasonExpired:
		_ = utils.WriteError(w, http.StatusUnauthorized, "Invalid or expired session", details)
	case guard.ReasonLookupUnavailable:
		_ = utils.WriteError(w, http.StatusServiceUnavailable, "Session could not be verified", details)
	default:
		_ = utils.WriteError(w, http.StatusForbidden, "Insufficient permissions for this portal", details)
	}
}

// redirectURL appends return_to to target, keeping any query it already has
func redirectURL(target, returnTo string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("return_to", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
