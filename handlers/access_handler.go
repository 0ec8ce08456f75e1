package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/middleware"
	"github.com/hosterizer/portal-gateway/services"
	"github.com/hosterizer/portal-gateway/utils"
)

// DecisionEvaluator evaluates tokens at the HTTP edge
type DecisionEvaluator interface {
	ExtractToken(r *http.Request) string
	EvaluateToken(r *http.Request, token string, portal guard.PortalDescriptor) guard.AccessDecision
}

// DecisionRequest is the body of POST /api/v1/decisions.
// Token falls back to the request's bearer header or session cookie.
type DecisionRequest struct {
	Portal string `json:"portal" validate:"required,portal"`
	Token  string `json:"token,omitempty"`
}

// PrincipalResponse describes the caller in API responses
type PrincipalResponse struct {
	PrincipalID string   `json:"principal_id"`
	TenantID    string   `json:"tenant_id"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	ExpiresAt   string   `json:"expires_at"`
}

// PortalResponse is the body served for an authorized portal page
type PortalResponse struct {
	Portal     guard.PortalName  `json:"portal"`
	Path       string            `json:"path"`
	Principal  PrincipalResponse `json:"principal"`
	ReasonCode guard.ReasonCode  `json:"reason_code,omitempty"`
}

// AccessHandler exposes the guard to API clients and serves portal pages
type AccessHandler struct {
	evaluator DecisionEvaluator
	portals   *guard.PortalTable
	logger    *zap.Logger
}

// NewAccessHandler creates a new AccessHandler
func NewAccessHandler(evaluator DecisionEvaluator, portals *guard.PortalTable, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{
		evaluator: evaluator,
		portals:   portals,
		logger:    logger,
	}
}

// HandleDecision handles POST /api/v1/decisions
// Every well-formed request gets 200 with the decision; denial is data here.
func (h *AccessHandler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	portal, ok := h.portals.Lookup(guard.PortalName(req.Portal))
	if !ok {
		HandleServiceError(w, services.ErrPortalNotFound, h.logger)
		return
	}

	token := req.Token
	if token == "" {
		token = h.evaluator.ExtractToken(r)
	}

	decision := h.evaluator.EvaluateToken(r, token, portal)
	_ = utils.WriteOK(w, decision)
}

// HandleListPortals handles GET /api/v1/portals
func (h *AccessHandler) HandleListPortals(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.portals.All())
}

// HandleMe handles GET /api/v1/me
func (h *AccessHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}
	_ = utils.WriteOK(w, toPrincipalResponse(principal))
}

// PortalShell serves the landing payload for an authorized portal request
func (h *AccessHandler) PortalShell(portal guard.PortalName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.GetPrincipalFromContext(r.Context())
		if principal == nil {
			h.logger.Error("portal shell reached without principal",
				zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
				zap.String("portal", string(portal)))
			_ = utils.WriteUnauthorized(w, "Authentication required")
			return
		}

		resp := PortalResponse{
			Portal:    portal,
			Path:      "/" + chi.URLParam(r, "*"),
			Principal: toPrincipalResponse(principal),
		}
		if decision, ok := middleware.GetDecisionFromContext(r.Context()); ok {
			resp.ReasonCode = decision.ReasonCode
		}
		_ = utils.WriteOK(w, resp)
	}
}

func toPrincipalResponse(p *guard.Principal) PrincipalResponse {
	return PrincipalResponse{
		PrincipalID: p.PrincipalID,
		TenantID:    p.TenantID,
		Email:       p.Email,
		Roles:       p.Roles.Strings(),
		ExpiresAt:   p.TokenExpiry.UTC().Format(time.RFC3339),
	}
}
