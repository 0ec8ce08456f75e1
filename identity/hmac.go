package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hosterizer/portal-gateway/guard"
)

const (
	// DefaultIssuer is the iss claim stamped on portal tokens
	DefaultIssuer = "hosterizer-auth"

	// DefaultAccessTokenTTL is the lifetime of an issued access token
	DefaultAccessTokenTTL = 15 * time.Minute

	// DefaultRefreshTokenTTL is the lifetime of an issued refresh token
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// IssuerConfig holds configuration for Issuer
type IssuerConfig struct {
	Secret     string
	Issuer     string
	TTL        time.Duration
	RefreshTTL time.Duration

	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// Issuer signs HS256 access and refresh tokens for authenticated users
type Issuer struct {
	secret     []byte
	issuer     string
	ttl        time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	parser     *HMACParser
}

// IssueRequest describes the principal a token is minted for
type IssueRequest struct {
	Subject  string
	TenantID string
	Roles    []string
	Email    string
}

// NewIssuer creates a new token issuer
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Issuer{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		ttl:        cfg.TTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
		parser:     NewHMACParser(cfg.Secret, cfg.Issuer),
	}, nil
}

// TTL returns the lifetime of issued access tokens
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// RefreshTTL returns the lifetime of issued refresh tokens
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// Issue signs a new access token. The returned principal mirrors the token claims,
// including the generated session id (jti).
func (i *Issuer) Issue(req IssueRequest) (string, *guard.Principal, error) {
	return i.sign(req, TokenTypeAccess, i.ttl)
}

// IssueRefresh signs a refresh token. It carries its own jti so it can be
// rotated independently of the access token.
func (i *Issuer) IssueRefresh(req IssueRequest) (string, *guard.Principal, error) {
	return i.sign(req, TokenTypeRefresh, i.refreshTTL)
}

// ParseRefresh verifies a refresh token minted by this issuer. Expiry is left to the caller.
func (i *Issuer) ParseRefresh(token string) (*guard.Principal, error) {
	return i.parser.ParseRefresh(token)
}

func (i *Issuer) sign(req IssueRequest, tokenType string, ttl time.Duration) (string, *guard.Principal, error) {
	if req.Subject == "" || req.TenantID == "" {
		return "", nil, fmt.Errorf("%w: subject and tenant are required", ErrMissingClaim)
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.Subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:  req.TenantID,
		Roles:     req.Roles,
		Email:     req.Email,
		TokenType: tokenType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	principal, err := toPrincipal(&claims)
	if err != nil {
		return "", nil, err
	}
	return signed, principal, nil
}

// HMACParser verifies HS256 tokens minted by Issuer. Time claims are not
// validated here; expiry is judged by the guard against its own clock.
type HMACParser struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewHMACParser creates a parser for tokens signed with secret.
// An empty issuer disables the iss check.
func NewHMACParser(secret, issuer string) *HMACParser {
	return &HMACParser{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Parse implements guard.TokenParser. Refresh tokens are rejected.
func (p *HMACParser) Parse(tokenString string) (*guard.Principal, error) {
	claims, err := p.verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType == TokenTypeRefresh {
		return nil, fmt.Errorf("%w: %w", guard.ErrMalformedToken, ErrWrongTokenType)
	}
	return toPrincipal(claims)
}

// ParseRefresh verifies a refresh token. Access tokens are rejected.
func (p *HMACParser) ParseRefresh(tokenString string) (*guard.Principal, error) {
	claims, err := p.verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrWrongTokenType
	}
	return toPrincipal(claims)
}

func (p *HMACParser) verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := p.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", guard.ErrMalformedToken, err)
	}
	if !token.Valid {
		return nil, guard.ErrMalformedToken
	}

	if p.issuer != "" && claims.Issuer != p.issuer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidIssuer, p.issuer, claims.Issuer)
	}
	return claims, nil
}
