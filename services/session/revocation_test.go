package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/internal/observability"
)

type fakeRedis struct {
	keys    map[string]time.Duration
	values  map[string]string
	failSet error
	failGet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: map[string]time.Duration{}, values: map[string]string{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	f.keys[key] = expiration
	f.values[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.failGet != nil {
		return redis.NewStringResult("", f.failGet)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	if f.failGet != nil {
		return redis.NewIntResult(0, f.failGet)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestMemoryRevocationStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRevocationStore()

	require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(time.Minute)))
	require.NoError(t, store.Revoke(ctx, "jti-old", time.Now().Add(-time.Minute)))

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.IsRevoked(ctx, "jti-old")
	require.NoError(t, err)
	assert.False(t, revoked)

	assert.Equal(t, 1, store.Len())
}

func TestMemoryRevocationStore_Expires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRevocationStore()

	require.NoError(t, store.Revoke(ctx, "jti-short", time.Now().Add(30*time.Millisecond)))
	time.Sleep(60 * time.Millisecond)

	revoked, err := store.IsRevoked(ctx, "jti-short")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisRevocationStore(t *testing.T) {
	ctx := context.Background()

	t.Run("revoke sets prefixed key with remaining ttl", func(t *testing.T) {
		fake := newFakeRedis()
		store := NewRedisRevocationStore(fake)

		require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(10*time.Minute)))
		ttl, ok := fake.keys["revoked:jti-1"]
		require.True(t, ok)
		assert.InDelta(t, (10 * time.Minute).Seconds(), ttl.Seconds(), 5)

		revoked, err := store.IsRevoked(ctx, "jti-1")
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = store.IsRevoked(ctx, "jti-2")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("expired token is not stored", func(t *testing.T) {
		fake := newFakeRedis()
		store := NewRedisRevocationStore(fake)

		require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(-time.Second)))
		assert.Empty(t, fake.keys)
	})

	t.Run("errors are wrapped", func(t *testing.T) {
		fake := newFakeRedis()
		fake.failSet = errors.New("READONLY")
		fake.failGet = errors.New("connection refused")
		store := NewRedisRevocationStore(fake)

		err := store.Revoke(ctx, "jti-1", time.Now().Add(time.Minute))
		assert.ErrorContains(t, err, "READONLY")

		_, err = store.IsRevoked(ctx, "jti-1")
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestRevocationLookup(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedisRevocationStore(fake)
	lookup := RevocationLookup(store, observability.NewMetrics())

	require.NoError(t, store.Revoke(ctx, "revoked-jti", time.Now().Add(time.Minute)))

	assert.NoError(t, lookup.Check(ctx, &guard.Principal{}))
	assert.NoError(t, lookup.Check(ctx, &guard.Principal{SessionID: "live-jti"}))
	assert.ErrorIs(t, lookup.Check(ctx, &guard.Principal{SessionID: "revoked-jti"}), guard.ErrRevoked)

	fake.failGet = errors.New("timeout")
	err := lookup.Check(ctx, &guard.Principal{SessionID: "live-jti"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, guard.ErrRevoked)
}

func TestRevokeSubject(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Unix(1_700_000_000, 0)
	until := time.Now().Add(time.Hour)

	stores := map[string]func() RevocationStore{
		"memory": func() RevocationStore { return NewMemoryRevocationStore() },
		"redis":  func() RevocationStore { return NewRedisRevocationStore(newFakeRedis()) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			store := newStore()

			_, ok, err := store.SubjectCutoff(ctx, "user-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.RevokeSubject(ctx, "user-1", cutoff, until))
			require.NoError(t, store.RevokeSubject(ctx, "user-2", cutoff, time.Now().Add(-time.Second)))

			got, ok, err := store.SubjectCutoff(ctx, "user-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(cutoff))

			_, ok, err = store.SubjectCutoff(ctx, "user-2")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	t.Run("redis stores unix seconds under prefixed key", func(t *testing.T) {
		fake := newFakeRedis()
		store := NewRedisRevocationStore(fake)

		require.NoError(t, store.RevokeSubject(ctx, "user-1", cutoff, until))
		assert.Equal(t, "1700000000", fake.values["revoked-sub:user-1"])

		fake.values["revoked-sub:user-3"] = "garbage"
		_, _, err := store.SubjectCutoff(ctx, "user-3")
		assert.ErrorContains(t, err, "corrupt subject revocation")
	})
}

func TestRevocationLookup_SubjectCutoff(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedisRevocationStore(fake)
	lookup := RevocationLookup(store, observability.NewMetrics())

	cutoff := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.RevokeSubject(ctx, "user-1", cutoff, time.Now().Add(time.Hour)))

	tests := []struct {
		name    string
		p       *guard.Principal
		revoked bool
	}{
		{"issued before cutoff", &guard.Principal{PrincipalID: "user-1", SessionID: "a", IssuedAt: cutoff.Add(-time.Minute)}, true},
		{"issued at cutoff", &guard.Principal{PrincipalID: "user-1", SessionID: "b", IssuedAt: cutoff}, true},
		{"issued after cutoff", &guard.Principal{PrincipalID: "user-1", SessionID: "c", IssuedAt: cutoff.Add(time.Second)}, false},
		{"no iat", &guard.Principal{PrincipalID: "user-1"}, true},
		{"other subject", &guard.Principal{PrincipalID: "user-2", IssuedAt: cutoff.Add(-time.Minute)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := lookup.Check(ctx, tt.p)
			if tt.revoked {
				assert.ErrorIs(t, err, guard.ErrRevoked)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("store failure is not a revocation", func(t *testing.T) {
		fake.failGet = errors.New("timeout")
		defer func() { fake.failGet = nil }()

		err := lookup.Check(ctx, &guard.Principal{PrincipalID: "user-2"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, guard.ErrRevoked)
	})
}
