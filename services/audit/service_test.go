package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/internal/observability"
	"github.com/hosterizer/portal-gateway/models"
)

// MockAccessAuditRepository is a mock implementation of AccessAuditRepository
type MockAccessAuditRepository struct {
	mock.Mock
	mu           sync.Mutex
	insertedLogs []*models.AccessAuditLog
	block        chan struct{}
	entered      chan struct{}
}

func (m *MockAccessAuditRepository) Insert(ctx context.Context, log *models.AccessAuditLog) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	args := m.Called(ctx, log)
	m.insertedLogs = append(m.insertedLogs, log)
	return args.Error(0)
}

func (m *MockAccessAuditRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AccessAuditLog, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AccessAuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccessAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AccessAuditLog, error) {
	args := m.Called(ctx, requestID)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AccessAuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccessAuditRepository) GetInsertedLogs() []*models.AccessAuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AccessAuditLog(nil), m.insertedLogs...)
}

func TestService_StartStop(t *testing.T) {
	mockRepo := new(MockAccessAuditRepository)
	service := NewService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 10, WorkerCount: 2})

	require.NoError(t, service.Start())

	stats := service.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	assert.Error(t, service.Start())

	require.NoError(t, service.Stop(5*time.Second))
	assert.False(t, service.GetStats().Started)
	assert.ErrorIs(t, service.Stop(time.Second), ErrNotStarted)
}

func TestService_DefaultConfig(t *testing.T) {
	service := NewService(new(MockAccessAuditRepository), zap.NewNop(), nil, Config{})
	stats := service.GetStats()
	assert.Equal(t, 1000, stats.BufferSize)
	assert.Equal(t, 2, stats.WorkerCount)
}

func TestService_RecordBeforeStartAndAfterStop(t *testing.T) {
	service := NewService(new(MockAccessAuditRepository), zap.NewNop(), nil, Config{BufferSize: 1, WorkerCount: 1})
	entry := models.NewAccessAuditLog("admin", true, "OK")

	assert.ErrorIs(t, service.Record(entry), ErrNotStarted)

	require.NoError(t, service.Start())
	require.NoError(t, service.Stop(time.Second))
	assert.ErrorIs(t, service.Record(entry), ErrNotStarted)
}

func TestService_RecordDecision(t *testing.T) {
	mockRepo := new(MockAccessAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())

	decision := guard.AccessDecision{
		Allowed:        false,
		ReasonCode:     guard.ReasonExpired,
		RedirectTarget: "/login",
		TenantID:       "tenant-1",
		PrincipalID:    "user-1",
	}
	meta := models.RequestMeta{RequestID: "req-1", Method: "GET", Path: "/admin/servers", IPAddress: "10.0.0.1"}
	require.NoError(t, service.RecordDecision(guard.PortalAdmin, decision, "jti-1", meta))

	// Stop drains pending entries
	require.NoError(t, service.Stop(5*time.Second))

	logs := mockRepo.GetInsertedLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "admin", logs[0].Portal)
	assert.False(t, logs[0].Allowed)
	assert.Equal(t, "EXPIRED", logs[0].ReasonCode)
	assert.Equal(t, "/login", logs[0].RedirectTarget)
	assert.Equal(t, "tenant-1", logs[0].TenantID)
	assert.Equal(t, "jti-1", logs[0].SessionID)
	assert.Equal(t, "req-1", logs[0].RequestID)
}

func TestService_DropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics()
	mockRepo := &MockAccessAuditRepository{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 4),
	}
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewService(mockRepo, zap.NewNop(), metrics, Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, service.Start())

	// first entry is picked up by the only worker, which then blocks
	require.NoError(t, service.Record(models.NewAccessAuditLog("admin", true, "OK")))
	<-mockRepo.entered

	// second fills the buffer, third is dropped
	require.NoError(t, service.Record(models.NewAccessAuditLog("admin", true, "OK")))
	err := service.Record(models.NewAccessAuditLog("admin", false, "FORBIDDEN"))
	assert.ErrorIs(t, err, ErrBufferFull)

	close(mockRepo.block)
	require.NoError(t, service.Stop(5*time.Second))

	assert.Len(t, mockRepo.GetInsertedLogs(), 2)
	expected := `
# HELP portal_gateway_audit_dropped_total Audit entries dropped because the buffer was full
# TYPE portal_gateway_audit_dropped_total counter
portal_gateway_audit_dropped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "portal_gateway_audit_dropped_total"))
}

func TestService_InsertErrorsAreLogged(t *testing.T) {
	mockRepo := new(MockAccessAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	service := NewService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())

	for i := 0; i < 3; i++ {
		require.NoError(t, service.Record(models.NewAccessAuditLog("customer", true, "OK")))
	}

	require.NoError(t, service.Stop(5*time.Second))
	mockRepo.AssertNumberOfCalls(t, "Insert", 3)
}

func TestService_ConcurrentRecord(t *testing.T) {
	mockRepo := new(MockAccessAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewService(mockRepo, zap.NewNop(), nil, Config{BufferSize: 200, WorkerCount: 4})
	require.NoError(t, service.Start())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = service.Record(models.NewAccessAuditLog("customer", true, "OK"))
		}()
	}
	wg.Wait()

	require.NoError(t, service.Stop(5*time.Second))
	assert.Len(t, mockRepo.GetInsertedLogs(), 100)
}
