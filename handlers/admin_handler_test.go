package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/middleware"
	"github.com/hosterizer/portal-gateway/models"
	"github.com/hosterizer/portal-gateway/services"
	"github.com/hosterizer/portal-gateway/services/session"
)

// MockAdminService is a mock implementation of AdminService
type MockAdminService struct {
	mock.Mock
}

func (m *MockAdminService) UnlockUser(ctx context.Context, actor *guard.Principal, userID uuid.UUID, meta models.RequestMeta) error {
	return m.Called(ctx, actor, userID, meta).Error(0)
}

func (m *MockAdminService) CreateUser(ctx context.Context, req session.CreateUserRequest) (*models.User, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockAdminService) ListUsers(ctx context.Context, actor *guard.Principal, role string, limit, offset int) ([]*models.User, error) {
	args := m.Called(ctx, actor, role, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.User), args.Error(1)
}

// MockAccessAuditRepository is a mock implementation of AccessAuditRepository
type MockAccessAuditRepository struct {
	mock.Mock
}

func (m *MockAccessAuditRepository) Insert(ctx context.Context, log *models.AccessAuditLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *MockAccessAuditRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AccessAuditLog, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AccessAuditLog), args.Error(1)
}

func (m *MockAccessAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AccessAuditLog, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AccessAuditLog), args.Error(1)
}

func adminRouter(h *AdminHandler, actor *guard.Principal) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			if actor != nil {
				ctx = middleware.WithPrincipal(ctx, actor)
			}
			next.ServeHTTP(w, req.WithContext(context.WithValue(ctx, chimw.RequestIDKey, "req-1")))
		})
	})
	r.Get("/api/v1/admin/users", h.HandleListUsers)
	r.Post("/api/v1/admin/users", h.HandleCreateUser)
	r.Post("/api/v1/admin/users/{id}/unlock", h.HandleUnlockUser)
	r.Get("/api/v1/admin/audit", h.HandleListAuditLogs)
	return r
}

func TestAdminHandler_HandleUnlockUser(t *testing.T) {
	userID := uuid.New()
	actor := testPrincipal("admin")

	tests := []struct {
		name           string
		path           string
		actor          *guard.Principal
		setupMock      func(*MockAdminService)
		expectedStatus int
	}{
		{
			name:  "unlocks",
			path:  "/api/v1/admin/users/" + userID.String() + "/unlock",
			actor: actor,
			setupMock: func(m *MockAdminService) {
				m.On("UnlockUser", mock.Anything, actor, userID, mock.MatchedBy(func(meta models.RequestMeta) bool {
					return meta.RequestID == "req-1" && meta.Method == http.MethodPost
				})).Return(nil)
			},
			expectedStatus: http.StatusNoContent,
		},
		{
			name:           "invalid id",
			path:           "/api/v1/admin/users/not-a-uuid/unlock",
			actor:          actor,
			setupMock:      func(*MockAdminService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:  "user in another tenant",
			path:  "/api/v1/admin/users/" + userID.String() + "/unlock",
			actor: actor,
			setupMock: func(m *MockAdminService) {
				m.On("UnlockUser", mock.Anything, actor, userID, mock.Anything).Return(services.ErrUserNotFound)
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:  "not an admin",
			path:  "/api/v1/admin/users/" + userID.String() + "/unlock",
			actor: testPrincipal("customer"),
			setupMock: func(m *MockAdminService) {
				m.On("UnlockUser", mock.Anything, mock.Anything, userID, mock.Anything).Return(services.ErrInsufficientPermissions)
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "no principal",
			path:           "/api/v1/admin/users/" + userID.String() + "/unlock",
			setupMock:      func(*MockAdminService) {},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockAdminService)
			tt.setupMock(svc)
			h := NewAdminHandler(svc, new(MockAccessAuditRepository), zap.NewNop())

			w := httptest.NewRecorder()
			adminRouter(h, tt.actor).ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestAdminHandler_HandleCreateUser(t *testing.T) {
	actor := testPrincipal("admin")

	t.Run("creates user in actor tenant", func(t *testing.T) {
		svc := new(MockAdminService)
		created := models.NewUser("tenant-1", "new@example.com", "hash", "customer")
		svc.On("CreateUser", mock.Anything, session.CreateUserRequest{
			TenantID: "tenant-1",
			Email:    "new@example.com",
			Password: "Str0ng!pass",
			Roles:    []string{"customer"},
		}).Return(created, nil)

		h := NewAdminHandler(svc, new(MockAccessAuditRepository), zap.NewNop())
		body := jsonBody(t, map[string]interface{}{
			"email": "new@example.com", "password": "Str0ng!pass", "roles": []string{"customer"},
		})
		w := httptest.NewRecorder()
		adminRouter(h, actor).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/users", body))

		assert.Equal(t, http.StatusCreated, w.Code)
		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, "new@example.com", data["email"])
		assert.NotContains(t, data, "password_hash")
		svc.AssertExpectations(t)
	})

	t.Run("unknown role", func(t *testing.T) {
		svc := new(MockAdminService)
		h := NewAdminHandler(svc, new(MockAccessAuditRepository), zap.NewNop())
		body := jsonBody(t, map[string]interface{}{
			"email": "new@example.com", "password": "Str0ng!pass", "roles": []string{"root"},
		})
		w := httptest.NewRecorder()
		adminRouter(h, actor).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/users", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "CreateUser", mock.Anything, mock.Anything)
	})

	t.Run("duplicate email", func(t *testing.T) {
		svc := new(MockAdminService)
		svc.On("CreateUser", mock.Anything, mock.Anything).Return(nil, services.ErrDuplicateEmail)
		h := NewAdminHandler(svc, new(MockAccessAuditRepository), zap.NewNop())
		body := jsonBody(t, map[string]interface{}{
			"email": "dup@example.com", "password": "Str0ng!pass", "roles": []string{"admin"},
		})
		w := httptest.NewRecorder()
		adminRouter(h, actor).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/users", body))

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestAdminHandler_HandleListUsers(t *testing.T) {
	actor := testPrincipal("admin")
	ops := models.NewUser("tenant-1", "ops@example.com", "hash", "admin")

	tests := []struct {
		name           string
		url            string
		setupMock      func(*MockAdminService)
		expectedStatus int
		expectedCount  int
	}{
		{
			name: "default page",
			url:  "/api/v1/admin/users",
			setupMock: func(m *MockAdminService) {
				m.On("ListUsers", mock.Anything, actor, "", defaultPageSize, 0).Return([]*models.User{ops}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  1,
		},
		{
			name: "role filter and paging",
			url:  "/api/v1/admin/users?role=customer&limit=10&offset=20",
			setupMock: func(m *MockAdminService) {
				m.On("ListUsers", mock.Anything, actor, "customer", 10, 20).Return(nil, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  0,
		},
		{
			name: "unknown role",
			url:  "/api/v1/admin/users?role=root",
			setupMock: func(m *MockAdminService) {
				m.On("ListUsers", mock.Anything, actor, "root", defaultPageSize, 0).
					Return(nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidRole.Message, nil))
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid limit",
			url:            "/api/v1/admin/users?limit=-1",
			setupMock:      func(*MockAdminService) {},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockAdminService)
			tt.setupMock(svc)
			h := NewAdminHandler(svc, new(MockAccessAuditRepository), zap.NewNop())

			w := httptest.NewRecorder()
			adminRouter(h, actor).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var response map[string]interface{}
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Len(t, response["data"], tt.expectedCount)
				assert.NotContains(t, w.Body.String(), "password_hash")
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestAdminHandler_HandleListAuditLogs(t *testing.T) {
	actor := testPrincipal("admin")
	own := models.NewAccessAuditLog("admin", true, "OK").WithPrincipal("tenant-1", "u1", "s1")
	foreign := models.NewAccessAuditLog("admin", false, "FORBIDDEN").WithPrincipal("tenant-2", "u2", "s2")

	tests := []struct {
		name           string
		query          string
		setupMock      func(*MockAccessAuditRepository)
		expectedStatus int
		expectedCount  int
	}{
		{
			name:  "default pagination",
			query: "",
			setupMock: func(m *MockAccessAuditRepository) {
				m.On("ListByTenant", mock.Anything, "tenant-1", 50, 0).Return([]*models.AccessAuditLog{own}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  1,
		},
		{
			name:  "limit is capped",
			query: "?limit=1000&offset=10",
			setupMock: func(m *MockAccessAuditRepository) {
				m.On("ListByTenant", mock.Anything, "tenant-1", 200, 10).Return([]*models.AccessAuditLog{}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  0,
		},
		{
			name:  "by request id filters other tenants",
			query: "?request_id=req-9",
			setupMock: func(m *MockAccessAuditRepository) {
				m.On("GetByRequestID", mock.Anything, "req-9").Return([]*models.AccessAuditLog{own, foreign}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedCount:  1,
		},
		{
			name:           "bad limit",
			query:          "?limit=-1",
			setupMock:      func(*MockAccessAuditRepository) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:  "repository error",
			query: "",
			setupMock: func(m *MockAccessAuditRepository) {
				m.On("ListByTenant", mock.Anything, "tenant-1", 50, 0).Return(nil, errors.New("connection reset"))
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockAccessAuditRepository)
			tt.setupMock(repo)
			h := NewAdminHandler(new(MockAdminService), repo, zap.NewNop())

			w := httptest.NewRecorder()
			adminRouter(h, actor).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit"+tt.query, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var response struct {
					Data []models.AccessAuditLog `json:"data"`
				}
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Len(t, response.Data, tt.expectedCount)
			}
			repo.AssertExpectations(t)
		})
	}
}
