package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/models"
	"github.com/hosterizer/portal-gateway/repositories"
)

const auditColumns = `id, tenant_id, principal_id, session_id, portal, allowed, reason_code,
		redirect_target, method, path, ip_address, user_agent, request_id, timestamp`

// AccessAuditRepository implements the repositories.AccessAuditRepository interface
type AccessAuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAccessAuditRepository creates a new access audit repository
func NewAccessAuditRepository(db *DB, logger *zap.Logger) repositories.AccessAuditRepository {
	return &AccessAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit entry
func (r *AccessAuditRepository) Insert(ctx context.Context, log *models.AccessAuditLog) error {
	query := `
		INSERT INTO access_audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		log.ID,
		nullString(log.TenantID),
		nullString(log.PrincipalID),
		nullString(log.SessionID),
		log.Portal,
		log.Allowed,
		log.ReasonCode,
		nullString(log.RedirectTarget),
		log.Method,
		log.Path,
		log.IPAddress,
		log.UserAgent,
		log.RequestID,
		log.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to insert access audit log: %w", err)
	}

	return nil
}

// ListByTenant retrieves a tenant's audit entries, newest first
func (r *AccessAuditRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AccessAuditLog, error) {
	query := `SELECT ` + auditColumns + `
		FROM access_audit_logs
		WHERE tenant_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3`

	return r.query(ctx, query, tenantID, limit, offset)
}

// GetByRequestID retrieves audit entries by request ID
func (r *AccessAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AccessAuditLog, error) {
	query := `SELECT ` + auditColumns + `
		FROM access_audit_logs
		WHERE request_id = $1
		ORDER BY timestamp ASC`

	return r.query(ctx, query, requestID)
}

func (r *AccessAuditRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.AccessAuditLog, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query access audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AccessAuditLog
	for rows.Next() {
		var (
			log                                    models.AccessAuditLog
			tenantID, principalID, sessionID, dest sql.NullString
		)
		err := rows.Scan(
			&log.ID,
			&tenantID,
			&principalID,
			&sessionID,
			&log.Portal,
			&log.Allowed,
			&log.ReasonCode,
			&dest,
			&log.Method,
			&log.Path,
			&log.IPAddress,
			&log.UserAgent,
			&log.RequestID,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access audit log: %w", err)
		}
		log.TenantID = tenantID.String
		log.PrincipalID = principalID.String
		log.SessionID = sessionID.String
		log.RedirectTarget = dest.String
		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access audit rows: %w", err)
	}

	return logs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
