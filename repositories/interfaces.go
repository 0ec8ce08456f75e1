package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hosterizer/portal-gateway/models"
)

// ErrNotFound is wrapped by repositories when a row does not exist
var ErrNotFound = errors.New("not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// UserRepository handles user data operations
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetByEmail retrieves a user by email (case-insensitive)
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// ListByTenant retrieves users of a tenant with pagination
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.User, error)

	// RecordFailedLogin atomically increments the failure counter and sets
	// locked_until = lockUntil once the counter reaches maxAttempts.
	// Returns the updated counter and lock.
	RecordFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil time.Time) (int, *time.Time, error)

	// RecordSuccessfulLogin clears failures and the lock and stamps last_login_at
	RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error

	// Unlock clears failures and the lock for a user of tenantID
	Unlock(ctx context.Context, tenantID string, id uuid.UUID) error
}

// AccessAuditRepository handles access decision audit rows
type AccessAuditRepository interface {
	// Insert inserts a new audit entry
	Insert(ctx context.Context, log *models.AccessAuditLog) error

	// ListByTenant retrieves a tenant's audit entries, newest first
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AccessAuditLog, error)

	// GetByRequestID retrieves audit entries by request ID
	GetByRequestID(ctx context.Context, requestID string) ([]*models.AccessAuditLog, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users       UserRepository
	AccessAudit AccessAuditRepository
}
