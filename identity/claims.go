package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hosterizer/portal-gateway/guard"
)

var (
	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")

	// ErrInvalidIssuer is returned when the token issuer is not the expected one
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrInvalidAudience is returned when the token audience is invalid
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrWrongTokenType is returned when a refresh token is used as an access token or vice versa
	ErrWrongTokenType = errors.New("wrong token type")
)

// Token types carried in the typ claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims represents the claims carried by portal access tokens
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tid"`
	Roles     []string `json:"roles"`
	Email     string   `json:"email,omitempty"`
	TokenType string   `json:"typ,omitempty"`
}

// ExtractClaims parses claims from a token without verifying its signature.
// Only for diagnostics; never use the result for an access decision.
func ExtractClaims(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// toPrincipal converts verified claims to a guard principal.
// sub, tid and exp are required; unknown role tags are dropped.
func toPrincipal(claims *Claims) (*guard.Principal, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: tid", ErrMissingClaim)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	p := &guard.Principal{
		PrincipalID: claims.Subject,
		TenantID:    claims.TenantID,
		Roles:       guard.NewRoleSet(claims.Roles...),
		TokenExpiry: claims.ExpiresAt.Time,
		SessionID:   claims.ID,
		Email:       claims.Email,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	return p, nil
}

func containsAudience(audiences jwt.ClaimStrings, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}
