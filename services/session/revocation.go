package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/hosterizer/portal-gateway/config"
	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/internal/observability"
)

const (
	// RevokedKeyPrefix prefixes revoked session ids in Redis
	RevokedKeyPrefix = "revoked:"

	// RevokedSubjectKeyPrefix prefixes per-subject revocation cutoffs in Redis
	RevokedSubjectKeyPrefix = "revoked-sub:"
)

// RevocationStore remembers revoked session ids until their token would have
// expired, and per-subject cutoffs that revoke every token issued up to a moment.
type RevocationStore interface {
	Revoke(ctx context.Context, sessionID string, until time.Time) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)

	// RevokeSubject revokes every token of subject issued at or before cutoff.
	// The cutoff is kept until the given time.
	RevokeSubject(ctx context.Context, subject string, cutoff, until time.Time) error

	// SubjectCutoff returns the subject's cutoff, if any
	SubjectCutoff(ctx context.Context, subject string) (time.Time, bool, error)
}

// RevocationLookup adapts a store to the guard's lookup capability.
// A principal is revoked when its session id is, or when it was issued at or
// before its subject's cutoff. Tokens without iat count as issued before any cutoff.
func RevocationLookup(store RevocationStore, metrics *observability.Metrics) guard.LookupFunc {
	return func(ctx context.Context, p *guard.Principal) error {
		start := time.Now()
		defer func() { metrics.ObserveLookup(time.Since(start)) }()
		return checkRevoked(ctx, store, p)
	}
}

func checkRevoked(ctx context.Context, store RevocationStore, p *guard.Principal) error {
	if p.SessionID != "" {
		revoked, err := store.IsRevoked(ctx, p.SessionID)
		if err != nil {
			return err
		}
		if revoked {
			return guard.ErrRevoked
		}
	}

	if p.PrincipalID == "" {
		return nil
	}
	cutoff, ok, err := store.SubjectCutoff(ctx, p.PrincipalID)
	if err != nil {
		return err
	}
	if ok && !p.IssuedAt.After(cutoff) {
		return guard.ErrRevoked
	}
	return nil
}

// MemoryRevocationStore keeps revocations in process. Entries expire with the token.
type MemoryRevocationStore struct {
	cache *gocache.Cache
}

// NewMemoryRevocationStore creates an in-memory store
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

// Revoke marks sessionID revoked until the given time. Past times are a no-op.
func (s *MemoryRevocationStore) Revoke(_ context.Context, sessionID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	s.cache.Set(sessionID, struct{}{}, ttl)
	return nil
}

// IsRevoked reports whether sessionID is revoked
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	_, found := s.cache.Get(sessionID)
	return found, nil
}

// RevokeSubject stores the subject's cutoff until the given time
func (s *MemoryRevocationStore) RevokeSubject(_ context.Context, subject string, cutoff, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	s.cache.Set(RevokedSubjectKeyPrefix+subject, cutoff, ttl)
	return nil
}

// SubjectCutoff returns the subject's cutoff, if any
func (s *MemoryRevocationStore) SubjectCutoff(_ context.Context, subject string) (time.Time, bool, error) {
	v, found := s.cache.Get(RevokedSubjectKeyPrefix + subject)
	if !found {
		return time.Time{}, false, nil
	}
	return v.(time.Time), true, nil
}

// Len returns the number of live revocations
func (s *MemoryRevocationStore) Len() int {
	return s.cache.ItemCount()
}

// RedisClient is the subset of the go-redis API the store needs
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisRevocationStore shares revocations between gateway replicas
type RedisRevocationStore struct {
	client RedisClient
}

// NewRedisRevocationStore creates a Redis-backed store
func NewRedisRevocationStore(client RedisClient) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

// Revoke stores revoked:<sessionID> with a TTL equal to the token's remaining life
func (s *RedisRevocationStore) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, RevokedKeyPrefix+sessionID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// IsRevoked reports whether sessionID is revoked
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, RevokedKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// RevokeSubject stores revoked-sub:<subject> = cutoff (unix seconds) until the given time
func (s *RedisRevocationStore) RevokeSubject(ctx context.Context, subject string, cutoff, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, RevokedSubjectKeyPrefix+subject, cutoff.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke subject sessions: %w", err)
	}
	return nil
}

// SubjectCutoff returns the subject's cutoff, if any
func (s *RedisRevocationStore) SubjectCutoff(ctx context.Context, subject string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, RevokedSubjectKeyPrefix+subject).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to check subject revocation: %w", err)
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt subject revocation %q: %w", raw, err)
	}
	return time.Unix(secs, 0), true, nil
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
