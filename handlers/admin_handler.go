package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/middleware"
	"github.com/hosterizer/portal-gateway/models"
	"github.com/hosterizer/portal-gateway/repositories"
	"github.com/hosterizer/portal-gateway/services/session"
	"github.com/hosterizer/portal-gateway/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// AdminService defines the account operations exposed to tenant admins
type AdminService interface {
	UnlockUser(ctx context.Context, actor *guard.Principal, userID uuid.UUID, meta models.RequestMeta) error
	CreateUser(ctx context.Context, req session.CreateUserRequest) (*models.User, error)
	ListUsers(ctx context.Context, actor *guard.Principal, role string, limit, offset int) ([]*models.User, error)
}

// CreateUserRequest is the body of POST /api/v1/admin/users
type CreateUserRequest struct {
	Email    string   `json:"email" validate:"required,email"`
	Password string   `json:"password" validate:"required"`
	Roles    []string `json:"roles" validate:"required,min=1,dive,role"`
}

// AdminHandler handles tenant-admin requests. Every operation is scoped to
// the caller's tenant.
type AdminHandler struct {
	accounts  AdminService
	auditRepo repositories.AccessAuditRepository
	logger    *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(accounts AdminService, auditRepo repositories.AccessAuditRepository, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		accounts:  accounts,
		auditRepo: auditRepo,
		logger:    logger,
	}
}

// HandleUnlockUser handles POST /api/v1/admin/users/{id}/unlock
func (h *AdminHandler) HandleUnlockUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := middleware.GetPrincipalFromContext(ctx)
	if actor == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	userID, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid user ID format", nil)
		return
	}

	if err := h.accounts.UnlockUser(ctx, actor, userID, middleware.RequestMeta(r)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

// HandleCreateUser handles POST /api/v1/admin/users
func (h *AdminHandler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := middleware.GetPrincipalFromContext(ctx)
	if actor == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req CreateUserRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	user, err := h.accounts.CreateUser(ctx, session.CreateUserRequest{
		TenantID: actor.TenantID,
		Email:    req.Email,
		Password: req.Password,
		Roles:    req.Roles,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("user created by admin",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("user_id", user.ID.String()),
		zap.String("actor_id", actor.PrincipalID))
	_ = utils.WriteCreated(w, user)
}

// HandleListUsers handles GET /api/v1/admin/users
func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := middleware.GetPrincipalFromContext(ctx)
	if actor == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	limit, offset, err := pagination(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	users, err := h.accounts.ListUsers(ctx, actor, r.URL.Query().Get("role"), limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if users == nil {
		users = []*models.User{}
	}
	_ = utils.WriteOK(w, users)
}

// HandleListAuditLogs handles GET /api/v1/admin/audit
func (h *AdminHandler) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := middleware.GetPrincipalFromContext(ctx)
	if actor == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	limit, offset, err := pagination(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	var logs []*models.AccessAuditLog
	if requestID := r.URL.Query().Get("request_id"); requestID != "" {
		logs, err = h.auditRepo.GetByRequestID(ctx, requestID)
		logs = sameTenant(logs, actor.TenantID)
	} else {
		logs, err = h.auditRepo.ListByTenant(ctx, actor.TenantID, limit, offset)
	}
	if err != nil {
		h.logger.Error("failed to list audit logs",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("tenant_id", actor.TenantID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retrieve audit logs")
		return
	}

	if logs == nil {
		logs = []*models.AccessAuditLog{}
	}
	_ = utils.WriteOK(w, logs)
}

func sameTenant(logs []*models.AccessAuditLog, tenantID string) []*models.AccessAuditLog {
	out := logs[:0]
	for _, l := range logs {
		if l.TenantID == tenantID {
			out = append(out, l)
		}
	}
	return out
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit, offset = defaultPageSize, 0
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("invalid limit parameter")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset parameter")
		}
	}
	return limit, offset, nil
}
