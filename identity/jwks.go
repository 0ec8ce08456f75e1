package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hosterizer/portal-gateway/guard"
)

var (
	// ErrJWKSFetchFailed is returned when JWKS fetching fails
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")

	// ErrUnknownKey is returned when a token references a kid not in the key cache
	ErrUnknownKey = errors.New("unknown signing key")
)

// JWKS represents the JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSConfig holds configuration for JWKSParser
type JWKSConfig struct {
	URL         string
	Issuer      string
	Audience    string
	HTTPTimeout time.Duration
}

// JWKSParser verifies RS256 tokens from an external OIDC provider.
// Parse only reads the key cache; keys are loaded by Refresh.
type JWKSParser struct {
	url        string
	issuer     string
	audience   string
	httpClient *http.Client
	parser     *jwt.Parser

	group singleflight.Group

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

// NewJWKSParser creates a new JWKS-backed parser
func NewJWKSParser(cfg JWKSConfig) *JWKSParser {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &JWKSParser{
		url:      cfg.URL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		keys: make(map[string]*rsa.PublicKey),
	}
}

// Parse implements guard.TokenParser
func (p *JWKSParser) Parse(tokenString string) (*guard.Principal, error) {
	claims := &Claims{}
	token, err := p.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		key, ok := p.key(kid)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
		}
		return key, nil
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
	if p.audience != "" && !containsAudience(claims.Audience, p.audience) {
		return nil, ErrInvalidAudience
	}

	return toPrincipal(claims)
}

// Refresh fetches the key set and replaces the cache.
// Concurrent callers share one in-flight request.
func (p *JWKSParser) Refresh(ctx context.Context) error {
	_, err, _ := p.group.Do(p.url, func() (interface{}, error) {
		jwks, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}

		keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
		for i := range jwks.Keys {
			jwk := &jwks.Keys[i]
			if jwk.Kty != "RSA" {
				continue
			}
			key, err := jwkToRSAPublicKey(jwk)
			if err != nil {
				return nil, fmt.Errorf("failed to convert JWK %s: %w", jwk.Kid, err)
			}
			keys[jwk.Kid] = key
		}

		p.mu.Lock()
		p.keys = keys
		p.mu.Unlock()
		return nil, nil
	})
	return err
}

// Run refreshes keys every interval until ctx is done. Failures keep the
// previous key set.
func (p *JWKSParser) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				logger.Warn("jwks refresh failed", zap.String("url", p.url), zap.Error(err))
			}
		}
	}
}

// KeyCount returns the number of cached keys
func (p *JWKSParser) KeyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}


func (p *JWKSParser) key(kid string) (*rsa.PublicKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[kid]
	return key, ok
}

func (p *JWKSParser) fetch(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}

// jwkToRSAPublicKey converts a JWK to an RSA public key
func jwkToRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}

	var e int
	for _, b := range eBytes {
		e = e*256 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
