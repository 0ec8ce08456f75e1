package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/internal/observability"
	"github.com/hosterizer/portal-gateway/models"
	"github.com/hosterizer/portal-gateway/repositories"
)

var (
	// ErrNotStarted is returned when recording before Start or after Stop
	ErrNotStarted = errors.New("audit service not started")

	// ErrBufferFull is returned when an entry is dropped for back-pressure
	ErrBufferFull = errors.New("audit event buffer full")
)

// Service persists access decisions asynchronously through a bounded worker pool
type Service struct {
	repo          repositories.AccessAuditRepository
	logger        *zap.Logger
	metrics       *observability.Metrics
	entries       chan *models.AccessAuditLog
	workerCount   int
	bufferSize    int
	insertTimeout time.Duration
	wg            sync.WaitGroup
	started       bool
	stopped       bool
	mu            sync.Mutex
}

// Config holds configuration for the Service
type Config struct {
	BufferSize    int // Size of the entry buffer channel
	WorkerCount   int // Number of concurrent workers
	InsertTimeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		WorkerCount:   2,
		InsertTimeout: 5 * time.Second,
	}
}

// NewService creates a new audit Service
func NewService(repo repositories.AccessAuditRepository, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = def.InsertTimeout
	}

	return &Service{
		repo:          repo,
		logger:        logger,
		metrics:       metrics,
		entries:       make(chan *models.AccessAuditLog, cfg.BufferSize),
		workerCount:   cfg.WorkerCount,
		bufferSize:    cfg.BufferSize,
		insertTimeout: cfg.InsertTimeout,
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting entries and waits for pending ones to be written
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	close(s.entries)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.entries)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record queues an entry without blocking. A full buffer drops the entry.
func (s *Service) Record(entry *models.AccessAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return ErrNotStarted
	}

	select {
	case s.entries <- entry:
		return nil
	default:
		s.metrics.RecordAuditDropped()
		s.logger.Warn("audit buffer full, dropping entry",
			zap.String("portal", entry.Portal),
			zap.String("reason_code", entry.ReasonCode),
			zap.String("request_id", entry.RequestID))
		return ErrBufferFull
	}
}

// RecordDecision queues the audit row for a guard decision
func (s *Service) RecordDecision(portal guard.PortalName, decision guard.AccessDecision, sessionID string, meta models.RequestMeta) error {
	entry := models.NewAccessAuditLog(string(portal), decision.Allowed, string(decision.ReasonCode)).
		WithPrincipal(decision.TenantID, decision.PrincipalID, sessionID).
		WithRedirect(decision.RedirectTarget).
		WithRequestMeta(meta)
	return s.Record(entry)
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for entry := range s.entries {
		if err := s.insert(entry); err != nil {
			s.logger.Error("failed to persist audit entry",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("portal", entry.Portal),
				zap.String("request_id", entry.RequestID))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *Service) insert(entry *models.AccessAuditLog) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.insertTimeout)
	defer cancel()

	if err := s.repo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert access audit log: %w", err)
	}
	return nil
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.entries),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}
