package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hosterizer/portal-gateway/guard"
)

const testSecret = "test-secret-at-least-32-bytes-long!!"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestIssuer(t *testing.T, now time.Time) *Issuer {
	issuer, err := NewIssuer(IssuerConfig{Secret: testSecret, Now: fixedClock(now)})
	require.NoError(t, err)
	return issuer
}

func signHS256(t *testing.T, secret string, claims jwt.Claims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestNewIssuer(t *testing.T) {
	_, err := NewIssuer(IssuerConfig{})
	assert.Error(t, err)

	issuer, err := NewIssuer(IssuerConfig{Secret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, DefaultAccessTokenTTL, issuer.TTL())
	assert.Equal(t, DefaultRefreshTokenTTL, issuer.RefreshTTL())
	assert.Equal(t, DefaultIssuer, issuer.issuer)
}

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, now)

	token, issued, err := issuer.Issue(IssueRequest{
		Subject:  "user-1",
		TenantID: "t1",
		Roles:    []string{"customer"},
		Email:    "a@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.SessionID)
	assert.Equal(t, now.Add(DefaultAccessTokenTTL), issued.TokenExpiry)

	parser := NewHMACParser(testSecret, DefaultIssuer)
	p, err := parser.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.PrincipalID)
	assert.Equal(t, "t1", p.TenantID)
	assert.True(t, p.Roles.Has(guard.RoleCustomer))
	assert.False(t, p.Roles.Has(guard.RoleAdmin))
	assert.Equal(t, issued.SessionID, p.SessionID)
	assert.Equal(t, "a@example.com", p.Email)
	assert.True(t, p.TokenExpiry.Equal(issued.TokenExpiry))
}

func TestRefreshTokens(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, now)
	parser := NewHMACParser(testSecret, DefaultIssuer)
	req := IssueRequest{Subject: "user-1", TenantID: "t1", Roles: []string{"admin"}}

	access, accessPrincipal, err := issuer.Issue(req)
	require.NoError(t, err)
	refresh, refreshPrincipal, err := issuer.IssueRefresh(req)
	require.NoError(t, err)

	assert.NotEqual(t, accessPrincipal.SessionID, refreshPrincipal.SessionID)
	assert.Equal(t, now.Add(DefaultRefreshTokenTTL), refreshPrincipal.TokenExpiry)
	assert.Equal(t, now, refreshPrincipal.IssuedAt)

	t.Run("refresh token parses as refresh", func(t *testing.T) {
		p, err := issuer.ParseRefresh(refresh)
		require.NoError(t, err)
		assert.Equal(t, "user-1", p.PrincipalID)
		assert.Equal(t, refreshPrincipal.SessionID, p.SessionID)
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		_, err := parser.Parse(refresh)
		assert.ErrorIs(t, err, guard.ErrMalformedToken)
		assert.ErrorIs(t, err, ErrWrongTokenType)

		g := guard.NewGuard(parser, guard.Config{})
		d := g.Evaluate(refresh, guard.PortalDescriptor{Name: guard.PortalAdmin, RequiredRole: guard.RoleAdmin}, now)
		assert.Equal(t, guard.ReasonInvalidToken, d.ReasonCode)
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		_, err := issuer.ParseRefresh(access)
		assert.ErrorIs(t, err, ErrWrongTokenType)
	})

	t.Run("refresh token from another secret", func(t *testing.T) {
		other, err := NewIssuer(IssuerConfig{Secret: "another-secret-that-is-long-enough!!"})
		require.NoError(t, err)
		_, err = other.ParseRefresh(refresh)
		assert.ErrorIs(t, err, guard.ErrMalformedToken)
	})
}

func TestIssue_RequiresSubjectAndTenant(t *testing.T) {
	issuer := newTestIssuer(t, time.Now())

	_, _, err := issuer.Issue(IssueRequest{TenantID: "t1"})
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, _, err = issuer.Issue(IssueRequest{Subject: "u"})
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestHMACParser_ExpiredTokenStillParses(t *testing.T) {
	// expiry is the guard's call, not the parser's
	issuer := newTestIssuer(t, time.Now().Add(-24*time.Hour))
	token, _, err := issuer.Issue(IssueRequest{Subject: "u", TenantID: "t", Roles: []string{"admin"}})
	require.NoError(t, err)

	p, err := NewHMACParser(testSecret, "").Parse(token)
	require.NoError(t, err)
	assert.True(t, p.TokenExpiry.Before(time.Now()))
}

func TestHMACParser_Rejects(t *testing.T) {
	now := time.Now()
	valid := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		TenantID: "t1",
		Roles:    []string{"admin"},
	}

	withoutTenant := valid
	withoutTenant.TenantID = ""
	withoutSubject := valid
	withoutSubject.Subject = ""
	withoutExpiry := valid
	withoutExpiry.ExpiresAt = nil
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"

	good := signHS256(t, testSecret, valid)
	parts := strings.Split(good, ".")

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", guard.ErrMalformedToken},
		{"garbage", "not-a-jwt", guard.ErrMalformedToken},
		{"wrong secret", signHS256(t, "another-secret-another-secret-xx", valid), guard.ErrMalformedToken},
		{"tampered payload", parts[0] + "." + parts[1] + "x." + parts[2], guard.ErrMalformedToken},
		{"alg none", noneToken(t, valid), guard.ErrMalformedToken},
		{"missing tenant", signHS256(t, testSecret, withoutTenant), ErrMissingClaim},
		{"missing subject", signHS256(t, testSecret, withoutSubject), ErrMissingClaim},
		{"missing expiry", signHS256(t, testSecret, withoutExpiry), ErrMissingClaim},
		{"wrong issuer", signHS256(t, testSecret, wrongIssuer), ErrInvalidIssuer},
	}

	parser := NewHMACParser(testSecret, DefaultIssuer)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parser.Parse(tt.token)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHMACParser_DropsUnknownRoles(t *testing.T) {
	token := signHS256(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "t1",
		Roles:    []string{"root", "customer", "ADMIN"},
	})

	p, err := NewHMACParser(testSecret, DefaultIssuer).Parse(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"customer"}, p.Roles.Strings())
}

func TestGuardWithHMACParser(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, now)
	g := guard.NewGuard(NewHMACParser(testSecret, DefaultIssuer), guard.Config{LoginURI: "/login"})

	token, _, err := issuer.Issue(IssueRequest{Subject: "u1", TenantID: "t1", Roles: []string{"customer"}})
	require.NoError(t, err)

	admin := guard.PortalDescriptor{Name: guard.PortalAdmin, RequiredRole: guard.RoleAdmin}
	customer := guard.PortalDescriptor{Name: guard.PortalCustomer, RequiredRole: guard.RoleCustomer}

	d := g.Evaluate(token, admin, now)
	assert.Equal(t, guard.ReasonForbidden, d.ReasonCode)
	assert.Empty(t, d.RedirectTarget)

	d = g.Evaluate(token, customer, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, "t1", d.TenantID)

	d = g.Evaluate(token, customer, now.Add(DefaultAccessTokenTTL))
	assert.Equal(t, guard.ReasonExpired, d.ReasonCode)
	assert.Equal(t, "/login", d.RedirectTarget)

	d = g.Evaluate(token+"x", customer, now)
	assert.Equal(t, guard.ReasonInvalidToken, d.ReasonCode)
}

func TestExtractClaims(t *testing.T) {
	token := signHS256(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ID: "jti-1"},
		TenantID:         "t9",
	})

	claims, err := ExtractClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "t9", claims.TenantID)
	assert.Equal(t, "jti-1", claims.ID)

	_, err = ExtractClaims("nope")
	assert.Error(t, err)
}

func noneToken(t *testing.T, claims jwt.Claims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}
