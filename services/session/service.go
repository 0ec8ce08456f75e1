package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/identity"
	"github.com/hosterizer/portal-gateway/internal/observability"
	"github.com/hosterizer/portal-gateway/models"
	"github.com/hosterizer/portal-gateway/repositories"
	"github.com/hosterizer/portal-gateway/services"
)

const (
	// DefaultMaxFailedAttempts locks an account after this many consecutive failures
	DefaultMaxFailedAttempts = 3

	// DefaultLockoutDuration is how long a locked account stays locked
	DefaultLockoutDuration = 15 * time.Minute

	// AuditReasonAccountUnlocked marks unlock rows in the access audit log
	AuditReasonAccountUnlocked = "ACCOUNT_UNLOCKED"
)

// TokenIssuer mints access and refresh tokens
type TokenIssuer interface {
	Issue(req identity.IssueRequest) (string, *guard.Principal, error)
	IssueRefresh(req identity.IssueRequest) (string, *guard.Principal, error)
	ParseRefresh(token string) (*guard.Principal, error)
	RefreshTTL() time.Duration
}

// Config holds configuration for Service
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration

	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// Deps groups the collaborators of Service
type Deps struct {
	Users       repositories.UserRepository
	AccessAudit repositories.AccessAuditRepository
	TxManager   repositories.TransactionManager
	Passwords   *PasswordHasher
	Issuer      TokenIssuer
	Guard       *guard.Guard
	Portals     *guard.PortalTable
	Revocations RevocationStore
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// Service implements login, logout and account lockout
type Service struct {
	deps Deps
	cfg  Config
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=72"`
	Portal   string `json:"portal" validate:"required,portal"`
}

// RefreshRequest is the body of POST /auth/refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Portal       string `json:"portal" validate:"required,portal"`
}

// LoginResult carries the new tokens and the decision for the requested portal
type LoginResult struct {
	Token            string               `json:"token"`
	ExpiresAt        time.Time            `json:"expires_at"`
	RefreshToken     string               `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time            `json:"refresh_expires_at,omitempty"`
	Principal        *guard.Principal     `json:"-"`
	Decision         guard.AccessDecision `json:"decision"`
}

// NewService creates a new session service
func NewService(deps Deps, cfg Config) *Service {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Passwords == nil {
		deps.Passwords = NewPasswordHasher(DefaultBcryptCost)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg}
}

// Login verifies credentials, enforces lockout and issues a token
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	portal, ok := s.deps.Portals.Lookup(guard.PortalName(req.Portal))
	if !ok {
		return nil, services.ErrPortalNotFound
	}

	user, err := s.deps.Users.GetByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.deps.Metrics.RecordLogin("invalid")
			return nil, services.ErrInvalidCredentials
		}
		return nil, services.WrapInternal("failed to load user", err)
	}

	now := s.cfg.Now()
	if user.IsLocked(now) {
		s.deps.Metrics.RecordLogin("locked")
		return nil, lockedError(user.RemainingLockout(now))
	}

	if err := s.deps.Passwords.Compare(user.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, services.ErrInvalidCredentials) {
			return nil, services.WrapInternal("failed to verify password", err)
		}
		return nil, s.recordFailure(ctx, user, now)
	}

	if err := s.deps.Users.RecordSuccessfulLogin(ctx, user.ID, now); err != nil {
		return nil, services.WrapInternal("failed to record login", err)
	}

	res, err := s.issue(ctx, user, portal, now)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.RecordLogin("success")

	s.deps.Logger.Info("user logged in",
		zap.String("user_id", user.ID.String()),
		zap.String("tenant_id", user.TenantID),
		zap.String("portal", string(portal.Name)),
		zap.String("reason_code", string(res.Decision.ReasonCode)))
	return res, nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// access/refresh pair is issued from the user's current account state.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*LoginResult, error) {
	portal, ok := s.deps.Portals.Lookup(guard.PortalName(req.Portal))
	if !ok {
		return nil, services.ErrPortalNotFound
	}
	if s.deps.Revocations == nil {
		return nil, services.WrapUnavailable("revocation store not configured", nil)
	}
	if s.deps.Issuer == nil {
		return nil, services.ErrInvalidToken
	}

	claims, err := s.deps.Issuer.ParseRefresh(strings.TrimSpace(req.RefreshToken))
	if err != nil {
		return nil, services.ErrInvalidToken
	}

	now := s.cfg.Now()
	if !now.Before(claims.TokenExpiry) {
		return nil, services.ErrTokenExpired
	}

	if err := checkRevoked(ctx, s.deps.Revocations, claims); err != nil {
		if errors.Is(err, guard.ErrRevoked) {
			s.deps.Logger.Warn("revoked refresh token presented",
				zap.String("principal_id", claims.PrincipalID),
				zap.String("tenant_id", claims.TenantID))
			return nil, services.ErrInvalidToken
		}
		return nil, services.WrapUnavailable(services.ErrLookupUnavailable.Message, err)
	}

	userID, err := uuid.Parse(claims.PrincipalID)
	if err != nil {
		return nil, services.ErrInvalidToken
	}
	user, err := s.deps.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrInvalidToken
		}
		return nil, services.WrapInternal("failed to load user", err)
	}
	if user.TenantID != claims.TenantID {
		return nil, services.ErrTenantMismatch
	}
	if user.IsLocked(now) {
		return nil, lockedError(user.RemainingLockout(now))
	}

	if err := s.deps.Revocations.Revoke(ctx, claims.SessionID, claims.TokenExpiry); err != nil {
		return nil, services.WrapUnavailable(services.ErrRevocationUnavailable.Message, err)
	}

	res, err := s.issue(ctx, user, portal, now)
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("session refreshed",
		zap.String("user_id", user.ID.String()),
		zap.String("tenant_id", user.TenantID),
		zap.String("portal", string(portal.Name)))
	return res, nil
}

// issue mints an access/refresh pair for user and evaluates the access token against portal
func (s *Service) issue(ctx context.Context, user *models.User, portal guard.PortalDescriptor, now time.Time) (*LoginResult, error) {
	req := identity.IssueRequest{
		Subject:  user.ID.String(),
		TenantID: user.TenantID,
		Roles:    user.Roles,
		Email:    user.Email,
	}

	token, principal, err := s.deps.Issuer.Issue(req)
	if err != nil {
		return nil, services.WrapInternal("failed to issue token", err)
	}
	refresh, refreshPrincipal, err := s.deps.Issuer.IssueRefresh(req)
	if err != nil {
		return nil, services.WrapInternal("failed to issue refresh token", err)
	}

	return &LoginResult{
		Token:            token,
		ExpiresAt:        principal.TokenExpiry,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshPrincipal.TokenExpiry,
		Principal:        principal,
		Decision:         s.deps.Guard.EvaluateContext(ctx, token, portal, now),
	}, nil
}

func (s *Service) recordFailure(ctx context.Context, user *models.User, now time.Time) error {
	attempts, lockedUntil, err := s.deps.Users.RecordFailedLogin(ctx, user.ID, s.cfg.MaxFailedAttempts, now.Add(s.cfg.LockoutDuration))
	if err != nil {
		return services.WrapInternal("failed to record failed login", err)
	}

	if lockedUntil != nil && now.Before(*lockedUntil) {
		s.deps.Metrics.RecordLogin("locked")
		s.deps.Logger.Warn("account locked after failed logins",
			zap.String("user_id", user.ID.String()),
			zap.String("tenant_id", user.TenantID),
			zap.Int("attempts", attempts))
		return lockedError(lockedUntil.Sub(now))
	}

	s.deps.Metrics.RecordLogin("invalid")
	remaining := s.cfg.MaxFailedAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return services.NewDomainError(services.ErrorTypeUnauthorized, services.ErrInvalidCredentials.Message, nil).
		WithDetail("remaining_attempts", remaining)
}

func lockedError(remaining time.Duration) error {
	secs := int(math.Ceil(remaining.Seconds()))
	return services.NewDomainError(services.ErrorTypeLocked, services.ErrAccountLocked.Message, nil).
		WithDetail("retry_after_seconds", secs)
}

// Logout revokes the principal's session until its token expires. A refresh
// token belonging to the same principal is revoked as well; anything else in
// refreshToken is ignored.
func (s *Service) Logout(ctx context.Context, principal *guard.Principal, refreshToken string) error {
	if principal == nil || principal.SessionID == "" {
		return services.ErrInvalidToken
	}
	if s.deps.Revocations == nil {
		return services.WrapUnavailable("revocation store not configured", nil)
	}

	if err := s.deps.Revocations.Revoke(ctx, principal.SessionID, principal.TokenExpiry); err != nil {
		return services.WrapUnavailable(services.ErrRevocationUnavailable.Message, err)
	}

	if refreshToken != "" && s.deps.Issuer != nil {
		refresh, err := s.deps.Issuer.ParseRefresh(refreshToken)
		if err == nil && refresh.PrincipalID == principal.PrincipalID && refresh.SessionID != "" {
			if err := s.deps.Revocations.Revoke(ctx, refresh.SessionID, refresh.TokenExpiry); err != nil {
				return services.WrapUnavailable(services.ErrRevocationUnavailable.Message, err)
			}
		}
	}

	s.deps.Logger.Info("session revoked",
		zap.String("principal_id", principal.PrincipalID),
		zap.String("tenant_id", principal.TenantID))
	return nil
}

// LogoutAll revokes every access and refresh token issued to the principal so far
func (s *Service) LogoutAll(ctx context.Context, principal *guard.Principal) error {
	if principal == nil || principal.PrincipalID == "" {
		return services.ErrInvalidToken
	}
	if s.deps.Revocations == nil {
		return services.WrapUnavailable("revocation store not configured", nil)
	}

	cutoff := s.cfg.Now()
	ttl := identity.DefaultRefreshTokenTTL
	if s.deps.Issuer != nil {
		ttl = s.deps.Issuer.RefreshTTL()
	}

	if err := s.deps.Revocations.RevokeSubject(ctx, principal.PrincipalID, cutoff, cutoff.Add(ttl)); err != nil {
		return services.WrapUnavailable(services.ErrRevocationUnavailable.Message, err)
	}

	s.deps.Logger.Info("all sessions revoked",
		zap.String("principal_id", principal.PrincipalID),
		zap.String("tenant_id", principal.TenantID))
	return nil
}

// ListUsers returns a page of the actor's tenant. A non-empty role keeps only
// users holding that raw role tag.
func (s *Service) ListUsers(ctx context.Context, actor *guard.Principal, role string, limit, offset int) ([]*models.User, error) {
	if actor == nil || !actor.Roles.Has(guard.RoleAdmin) {
		return nil, services.ErrInsufficientPermissions
	}
	if role != "" {
		if _, ok := guard.ParseRole(role); !ok {
			return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidRole.Message, nil).
				WithDetail("role", role)
		}
	}

	users, err := s.deps.Users.ListByTenant(ctx, actor.TenantID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list users", err)
	}
	if role == "" {
		return users, nil
	}

	filtered := make([]*models.User, 0, len(users))
	for _, u := range users {
		if u.HasRole(role) {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}

// UnlockUser clears a lockout within the actor's tenant and audits it in the same transaction
func (s *Service) UnlockUser(ctx context.Context, actor *guard.Principal, userID uuid.UUID, meta models.RequestMeta) error {
	if actor == nil || !actor.Roles.Has(guard.RoleAdmin) {
		return services.ErrInsufficientPermissions
	}

	err := services.WithTransaction(ctx, s.deps.TxManager, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.deps.Users.Unlock(ctx, actor.TenantID, userID); err != nil {
			return err
		}

		entry := models.NewAccessAuditLog(string(guard.PortalAdmin), true, AuditReasonAccountUnlocked).
			WithPrincipal(actor.TenantID, actor.PrincipalID, actor.SessionID).
			WithRequestMeta(meta)
		return s.deps.AccessAudit.Insert(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrUserNotFound
		}
		return services.WrapInternal(services.ErrTransactionFailed.Message, err)
	}

	s.deps.Logger.Info("account unlocked",
		zap.String("user_id", userID.String()),
		zap.String("tenant_id", actor.TenantID),
		zap.String("actor_id", actor.PrincipalID))
	return nil
}

// CreateUserRequest describes a new portal account
type CreateUserRequest struct {
	TenantID string   `validate:"required"`
	Email    string   `validate:"required,email"`
	Password string   `validate:"required"`
	Roles    []string `validate:"required,min=1,dive,role"`
}

// CreateUser hashes the password and stores a new account
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*models.User, error) {
	for _, r := range req.Roles {
		if _, ok := guard.ParseRole(r); !ok {
			return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidRole.Message, nil).
				WithDetail("role", r)
		}
	}

	hash, err := s.deps.Passwords.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	user := models.NewUser(req.TenantID, strings.ToLower(strings.TrimSpace(req.Email)), hash, req.Roles...)
	if err := s.deps.Users.Create(ctx, user); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, services.ErrDuplicateEmail
		}
		return nil, services.WrapInternal(fmt.Sprintf("failed to create user %s", user.Email), err)
	}

	s.deps.Logger.Info("user created",
		zap.String("user_id", user.ID.String()),
		zap.String("tenant_id", user.TenantID))
	return user, nil
}
