package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultLoginURI is where unauthenticated callers are sent
	DefaultLoginURI = "/login"

	// DefaultLookupTimeout bounds a single call to the injected Lookup
	DefaultLookupTimeout = 250 * time.Millisecond
)

// TokenParser turns an opaque token into a Principal.
// Implementations must be in-memory and must not validate time claims;
// expiry is judged by the guard against the caller's clock.
type TokenParser interface {
	Parse(token string) (*Principal, error)
}

// TokenParserFunc adapts a function to TokenParser
type TokenParserFunc func(token string) (*Principal, error)

// Parse calls f(token)
func (f TokenParserFunc) Parse(token string) (*Principal, error) {
	return f(token)
}

// Lookup is an external capability consulted after a token is otherwise accepted,
// e.g. a revocation list. Returning ErrRevoked denies with INVALID_TOKEN; any other
// error denies with LOOKUP_UNAVAILABLE.
type Lookup interface {
	Check(ctx context.Context, principal *Principal) error
}

// LookupFunc adapts a function to Lookup
type LookupFunc func(ctx context.Context, principal *Principal) error

// Check calls f(ctx, principal)
func (f LookupFunc) Check(ctx context.Context, principal *Principal) error {
	return f(ctx, principal)
}

// Config holds configuration for Guard
type Config struct {
	LoginURI      string
	Lookup        Lookup
	LookupTimeout time.Duration
}

// Guard evaluates access to portals. It holds no mutable state and is safe for
// concurrent use.
type Guard struct {
	parser        TokenParser
	loginURI      string
	lookup        Lookup
	lookupTimeout time.Duration
}

// NewGuard creates a new Guard
func NewGuard(parser TokenParser, cfg Config) *Guard {
	if cfg.LoginURI == "" {
		cfg.LoginURI = DefaultLoginURI
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}

	return &Guard{
		parser:        parser,
		loginURI:      cfg.LoginURI,
		lookup:        cfg.Lookup,
		lookupTimeout: cfg.LookupTimeout,
	}
}

// LoginURI returns the redirect target used for unauthenticated outcomes
func (g *Guard) LoginURI() string {
	return g.loginURI
}

// Evaluate decides whether token grants access to portal at time now.
// It never panics and never performs I/O; every input yields exactly one decision.
func (g *Guard) Evaluate(token string, portal PortalDescriptor, now time.Time) AccessDecision {
	decision, _ := g.evaluate(token, portal, now)
	return decision
}

// EvaluateContext is Evaluate followed, for allowed decisions only, by the injected
// Lookup under the configured timeout. Without a Lookup it is identical to Evaluate.
func (g *Guard) EvaluateContext(ctx context.Context, token string, portal PortalDescriptor, now time.Time) AccessDecision {
	decision, _ := g.Authorize(ctx, token, portal, now)
	return decision
}

// Authorize is EvaluateContext that also hands back the principal when, and only
// when, the decision allows access.
func (g *Guard) Authorize(ctx context.Context, token string, portal PortalDescriptor, now time.Time) (AccessDecision, *Principal) {
	decision, principal := g.evaluate(token, portal, now)
	return g.check(ctx, decision, principal)
}

// AuthorizeAny grants access when token is allowed into any of portals, trying
// them in order. The token is parsed once and the lookup runs at most once, for
// the first allowed portal. Without an allowed portal the first denial is
// returned together with its portal.
func (g *Guard) AuthorizeAny(ctx context.Context, token string, portals []PortalDescriptor, now time.Time) (AccessDecision, PortalDescriptor, *Principal) {
	if len(portals) == 0 {
		return g.deny(ReasonForbidden, "", nil), PortalDescriptor{}, nil
	}

	principal, ok := g.parse(token)
	if !ok {
		return g.deny(ReasonInvalidToken, g.loginURI, nil), portals[0], nil
	}

	first := g.decide(principal, portals[0], now)
	if !first.Allowed {
		for _, portal := range portals[1:] {
			if d := g.decide(principal, portal, now); d.Allowed {
				decision, p := g.check(ctx, d, principal)
				return decision, portal, p
			}
		}
		return first, portals[0], nil
	}

	decision, p := g.check(ctx, first, principal)
	return decision, portals[0], p
}

// check runs the lookup for an allowed decision
func (g *Guard) check(ctx context.Context, decision AccessDecision, principal *Principal) (AccessDecision, *Principal) {
	if !decision.Allowed {
		return decision, nil
	}
	if g.lookup == nil {
		return decision, principal
	}

	err := g.runLookup(ctx, principal)
	switch {
	case err == nil:
		return decision, principal
	case errors.Is(err, ErrRevoked):
		return g.deny(ReasonInvalidToken, g.loginURI, principal), nil
	default:
		return g.deny(ReasonLookupUnavailable, "", principal), nil
	}
}

// evaluate is the pure four-outcome decision. The parsed principal is returned
// alongside so the lookup stage does not parse twice.
func (g *Guard) evaluate(token string, portal PortalDescriptor, now time.Time) (AccessDecision, *Principal) {
	p, ok := g.parse(token)
	if !ok {
		return g.deny(ReasonInvalidToken, g.loginURI, nil), nil
	}
	return g.decide(p, portal, now), p
}

// parse resolves token into a well-formed principal. A panicking parser
// counts as a malformed token.
func (g *Guard) parse(token string) (principal *Principal, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			principal, ok = nil, false
		}
	}()

	token = strings.TrimSpace(token)
	if token == "" || g.parser == nil {
		return nil, false
	}

	p, err := g.parser.Parse(token)
	if err != nil || !wellFormed(p) {
		return nil, false
	}
	return p, true
}

// decide applies expiry and role rules to a parsed principal
func (g *Guard) decide(p *Principal, portal PortalDescriptor, now time.Time) AccessDecision {
	if !p.TokenExpiry.After(now) {
		return g.deny(ReasonExpired, g.loginURI, p)
	}

	if !p.Roles.Has(portal.RequiredRole) {
		return g.deny(ReasonForbidden, "", p)
	}

	return AccessDecision{
		Allowed:     true,
		ReasonCode:  ReasonOK,
		TenantID:    p.TenantID,
		PrincipalID: p.PrincipalID,
	}
}

// runLookup calls the lookup with a deadline. A lookup that ignores its context
// is abandoned when the deadline passes.
func (g *Guard) runLookup(ctx context.Context, principal *Principal) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("lookup panicked: %v", r)
			}
		}()
		result <- g.lookup.Check(ctx, principal)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("lookup: %w", ctx.Err())
	}
}

func (g *Guard) deny(reason ReasonCode, redirect string, p *Principal) AccessDecision {
	d := AccessDecision{
		Allowed:        false,
		ReasonCode:     reason,
		RedirectTarget: redirect,
	}
	if p != nil {
		d.TenantID = p.TenantID
		d.PrincipalID = p.PrincipalID
	}
	return d
}

// wellFormed is the structural check every parsed principal must pass
func wellFormed(p *Principal) bool {
	if p == nil {
		return false
	}
	return p.PrincipalID != "" && p.TenantID != "" && !p.TokenExpiry.IsZero()
}
