package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/config"
	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/identity"
	"github.com/hosterizer/portal-gateway/internal/observability"
	"github.com/hosterizer/portal-gateway/middleware"
	"github.com/hosterizer/portal-gateway/repositories"
	"github.com/hosterizer/portal-gateway/repositories/postgres"
	"github.com/hosterizer/portal-gateway/services/audit"
	"github.com/hosterizer/portal-gateway/services/session"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Redis   *redis.Client
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Users       repositories.UserRepository
	AccessAudit repositories.AccessAuditRepository
	TxManager   repositories.TransactionManager

	// Access
	Portals     *guard.PortalTable
	Issuer      *identity.Issuer     // hmac mode only
	JWKS        *identity.JWKSParser // jwks mode only
	Revocations session.RevocationStore
	Guard       *guard.Guard

	// Services
	Audit    *audit.Service
	Sessions *session.Service

	AuthMiddleware *middleware.AuthMiddleware

	stopJWKS context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps, err := NewAccessDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initRepositories()

	if err := deps.initAudit(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}

	deps.initSessions(cfg)
	deps.initMiddleware(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// NewAccessDependencies wires the guard and its collaborators without a
// database. Audit, login and admin features stay disabled.
func NewAccessDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	portals, err := cfg.Guard.LoadPortalTable()
	if err != nil {
		return nil, fmt.Errorf("failed to load portals: %w", err)
	}
	deps.Portals = portals

	parser, err := deps.initTokens(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token verification: %w", err)
	}

	if err := deps.initRevocations(ctx, cfg); err != nil {
		deps.closeJWKS()
		return nil, fmt.Errorf("failed to initialize revocation store: %w", err)
	}

	deps.Guard = guard.NewGuard(parser, guard.Config{
		LoginURI:      cfg.Guard.LoginURI,
		Lookup:        session.RevocationLookup(deps.Revocations, deps.Metrics),
		LookupTimeout: cfg.Guard.LookupTimeout,
	})
	deps.initMiddleware(cfg)

	logger.Info("access guard initialized",
		zap.String("token_mode", cfg.Token.Mode),
		zap.String("revocation_backend", cfg.Session.RevocationBackend),
		zap.Int("portals", portals.Len()))
	return deps, nil
}

// initTokens builds the token parser for the configured mode
func (d *Dependencies) initTokens(ctx context.Context, cfg *config.Config) (guard.TokenParser, error) {
	switch cfg.Token.Mode {
	case config.TokenModeJWKS:
		p := identity.NewJWKSParser(identity.JWKSConfig{
			URL:      cfg.Token.JWKSURL,
			Issuer:   cfg.Token.Issuer,
			Audience: cfg.Token.JWKSAudience,
		})
		// An unreachable provider is not fatal; Run keeps retrying.
		if err := p.Refresh(ctx); err != nil {
			d.Logger.Warn("initial jwks fetch failed", zap.Error(err))
		}

		runCtx, cancel := context.WithCancel(context.Background())
		d.stopJWKS = cancel
		go p.Run(runCtx, cfg.Token.JWKSRefreshInterval, d.Logger)

		d.JWKS = p
		return p, nil

	default:
		issuer, err := identity.NewIssuer(identity.IssuerConfig{
			Secret:     cfg.Token.Secret,
			Issuer:     cfg.Token.Issuer,
			TTL:        cfg.Token.TTL,
			RefreshTTL: cfg.Token.RefreshTTL,
		})
		if err != nil {
			return nil, err
		}
		d.Issuer = issuer
		return identity.NewHMACParser(cfg.Token.Secret, cfg.Token.Issuer), nil
	}
}

// initRevocations selects the revocation backend
func (d *Dependencies) initRevocations(ctx context.Context, cfg *config.Config) error {
	if cfg.Session.RevocationBackend != config.RevocationRedis {
		d.Revocations = session.NewMemoryRevocationStore()
		return nil
	}

	client, err := session.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	d.Redis = client
	d.Revocations = session.NewRedisRevocationStore(client)

	d.Logger.Info("redis revocation store connected", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() {
	repos := d.RepoFactory.NewRepositories()

	d.Users = repos.Users
	d.AccessAudit = repos.AccessAudit
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initAudit(cfg *config.Config) error {
	if !cfg.Audit.Enabled {
		d.Logger.Warn("access audit disabled")
		return nil
	}

	d.Audit = audit.NewService(d.AccessAudit, d.Logger, d.Metrics, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.Workers,
	})
	return d.Audit.Start()
}

func (d *Dependencies) initSessions(cfg *config.Config) {
	deps := session.Deps{
		Users:       d.Users,
		AccessAudit: d.AccessAudit,
		TxManager:   d.TxManager,
		Passwords:   session.NewPasswordHasher(session.DefaultBcryptCost),
		Guard:       d.Guard,
		Portals:     d.Portals,
		Revocations: d.Revocations,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	}
	if d.Issuer != nil {
		deps.Issuer = d.Issuer
	}

	d.Sessions = session.NewService(deps, session.Config{
		MaxFailedAttempts: cfg.Session.MaxFailedAttempts,
		LockoutDuration:   cfg.Session.LockoutDuration,
	})
}

func (d *Dependencies) initMiddleware(cfg *config.Config) {
	var recorder middleware.DecisionRecorder
	if d.Audit != nil {
		recorder = d.Audit
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Guard, d.Portals, recorder, d.Metrics, d.Logger, middleware.AuthConfig{
		CookieName: cfg.Session.CookieName,
	})
}

// LoginEnabled reports whether this deployment issues its own tokens
func (d *Dependencies) LoginEnabled() bool {
	return d.Sessions != nil && d.Issuer != nil
}

func (d *Dependencies) closeJWKS() {
	if d.stopJWKS != nil {
		d.stopJWKS()
		d.stopJWKS = nil
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	d.closeJWKS()

	// Drain audit before the database goes away
	if d.Audit != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
