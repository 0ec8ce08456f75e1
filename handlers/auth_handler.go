package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/middleware"
	"github.com/hosterizer/portal-gateway/services"
	"github.com/hosterizer/portal-gateway/services/session"
	"github.com/hosterizer/portal-gateway/utils"
)

// RefreshCookieName is the cookie carrying the refresh token. It is scoped to /auth.
const RefreshCookieName = "refresh_token"

// SessionService defines the login, refresh and logout operations
type SessionService interface {
	Login(ctx context.Context, req session.LoginRequest) (*session.LoginResult, error)
	Refresh(ctx context.Context, req session.RefreshRequest) (*session.LoginResult, error)
	Logout(ctx context.Context, principal *guard.Principal, refreshToken string) error
	LogoutAll(ctx context.Context, principal *guard.Principal) error
}

// CookieConfig describes the session cookie written on login
type CookieConfig struct {
	Name   string
	Secure bool
}

// LoginResponse is returned by POST /auth/login and POST /auth/refresh
type LoginResponse struct {
	Token            string               `json:"token"`
	ExpiresAt        string               `json:"expires_at"`
	RefreshToken     string               `json:"refresh_token,omitempty"`
	RefreshExpiresAt string               `json:"refresh_expires_at,omitempty"`
	Decision         guard.AccessDecision `json:"decision"`
}

// AuthHandler handles login and logout
type AuthHandler struct {
	sessions SessionService
	cookie   CookieConfig
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(sessions SessionService, cookie CookieConfig, logger *zap.Logger) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = middleware.DefaultSessionCookieName
	}
	return &AuthHandler{
		sessions: sessions,
		cookie:   cookie,
		logger:   logger,
	}
}

// HandleLogin handles POST /auth/login
// The token is returned even when the decision for the requested portal is a
// denial so the caller can use it for the portals it does grant.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req session.LoginRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.sessions.Login(ctx, req)
	if err != nil {
		h.logger.Info("login rejected",
			zap.String("request_id", requestID),
			zap.String("portal", req.Portal),
			zap.String("error_type", string(services.GetErrorType(err))))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.writeTokens(w, result)
}

// HandleRefresh handles POST /auth/refresh
// The refresh token comes from the body or, failing that, the refresh cookie.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req session.RefreshRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if req.RefreshToken == "" {
		if c, err := r.Cookie(RefreshCookieName); err == nil {
			req.RefreshToken = c.Value
		}
	}
	if req.RefreshToken == "" {
		HandleServiceError(w, services.ErrInvalidToken, h.logger)
		return
	}

	result, err := h.sessions.Refresh(ctx, req)
	if err != nil {
		h.logger.Info("refresh rejected",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("portal", req.Portal),
			zap.String("error_type", string(services.GetErrorType(err))))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.writeTokens(w, result)
}

func (h *AuthHandler) writeTokens(w http.ResponseWriter, result *session.LoginResult) {
	http.SetCookie(w, h.newCookie(h.cookie.Name, "/", result.Token, result.ExpiresAt))

	resp := LoginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
		Decision:  result.Decision,
	}
	if result.RefreshToken != "" {
		http.SetCookie(w, h.newCookie(RefreshCookieName, "/auth", result.RefreshToken, result.RefreshExpiresAt))
		resp.RefreshToken = result.RefreshToken
		resp.RefreshExpiresAt = result.RefreshExpiresAt.UTC().Format(time.RFC3339)
	}

	_ = utils.WriteOK(w, resp)
}

func (h *AuthHandler) newCookie(name, path, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// HandleLogout handles POST /auth/logout
// With ?scope=all every session of the principal is revoked, not just this one.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var err error
	if r.URL.Query().Get("scope") == "all" {
		err = h.sessions.LogoutAll(ctx, principal)
	} else {
		var refresh string
		if c, cerr := r.Cookie(RefreshCookieName); cerr == nil {
			refresh = c.Value
		}
		err = h.sessions.Logout(ctx, principal, refresh)
	}
	if err != nil {
		h.logger.Warn("logout failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("principal_id", principal.PrincipalID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	for _, c := range []*http.Cookie{
		h.newCookie(h.cookie.Name, "/", "", time.Unix(0, 0)),
		h.newCookie(RefreshCookieName, "/auth", "", time.Unix(0, 0)),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
	utils.WriteNoContent(w)
}
