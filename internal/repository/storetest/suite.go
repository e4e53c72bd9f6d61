// Package storetest holds the behavior every ThrottleStore backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throttle-service/internal/models"
	"throttle-service/internal/repository"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) repository.ThrottleStore

// Run exercises the full ThrottleStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("GetOrCreate", func(t *testing.T) { testGetOrCreate(t, newStore(t)) })
	t.Run("SaveRoundTrip", func(t *testing.T) { testSaveRoundTrip(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ScopesAreIndependent", func(t *testing.T) { testScopes(t, newStore(t)) })
	t.Run("ColonKeysAreDistinct", func(t *testing.T) { testColonKeys(t, newStore(t)) })
	t.Run("ListBlocked", func(t *testing.T) { testListBlocked(t, newStore(t)) })
	t.Run("ListBlockedWithDelete", func(t *testing.T) { testListBlockedDelete(t, newStore(t)) })
	t.Run("ConcurrentGetOrCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func base() time.Time {
	return time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)
}

func testGetMissing(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	_, err := store.Get(context.Background(), "nobody", "login")
	assert.True(t, errors.Is(err, repository.ErrRecordNotFound))
}

func testGetOrCreate(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	ctx := context.Background()
	now := base()

	rec, created, err := store.GetOrCreate(ctx, "alice", "login", models.RecordDefaults{Attempts: 1, ExpiresAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", rec.Identity)
	assert.Equal(t, "login", rec.Scope)
	assert.Equal(t, 0, rec.Level)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, rec.ExpiresAt.Equal(now))
	assert.Nil(t, rec.LastBlockedAt)

	again, created, err := store.GetOrCreate(ctx, "alice", "login", models.RecordDefaults{Attempts: 7, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, again.Attempts)
	assert.True(t, again.ExpiresAt.Equal(now))
}

func testSaveRoundTrip(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	ctx := context.Background()
	now := base()

	rec, _, err := store.GetOrCreate(ctx, "bob", "signup", models.RecordDefaults{Attempts: 1, ExpiresAt: now})
	require.NoError(t, err)

	blocked := now.Add(time.Minute)
	rec.Level = 3
	rec.Attempts = 0
	rec.ExpiresAt = blocked.Add(40 * time.Minute)
	rec.LastBlockedAt = &blocked
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "bob", "signup")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, 0, got.Attempts)
	assert.True(t, got.ExpiresAt.Equal(blocked.Add(40*time.Minute)))
	require.NotNil(t, got.LastBlockedAt)
	assert.True(t, got.LastBlockedAt.Equal(blocked))
}

func testDelete(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	ctx := context.Background()

	_, _, err := store.GetOrCreate(ctx, "carol", "login", models.RecordDefaults{Attempts: 1, ExpiresAt: base()})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "carol", "login"))
	require.NoError(t, store.Delete(ctx, "carol", "login"))

	_, err = store.Get(ctx, "carol", "login")
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
}

func testScopes(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	ctx := context.Background()

	a, _, err := store.GetOrCreate(ctx, "dave", "login", models.RecordDefaults{Attempts: 1, ExpiresAt: base()})
	require.NoError(t, err)
	a.Level = 4
	require.NoError(t, store.Save(ctx, a))

	b, created, err := store.GetOrCreate(ctx, "dave", "password_reset", models.RecordDefaults{Attempts: 1, ExpiresAt: base()})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, b.Level)

	require.NoError(t, store.Delete(ctx, "dave", "password_reset"))
	got, err := store.Get(ctx, "dave", "login")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Level)
}

func testColonKeys(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	ctx := context.Background()
	now := base()

	_, created, err := store.GetOrCreate(ctx, "b:c", "a", models.RecordDefaults{Attempts: 1, ExpiresAt: now})
	require.NoError(t, err)
	require.True(t, created)

	rec, created, err := store.GetOrCreate(ctx, "c", "a:b", models.RecordDefaults{Attempts: 2, ExpiresAt: now})
	require.NoError(t, err)
	assert.True(t, created, "(c, a:b) must not resolve to (b:c, a)")
	assert.Equal(t, "c", rec.Identity)
	assert.Equal(t, "a:b", rec.Scope)
	assert.Equal(t, 2, rec.Attempts)

	got, err := store.Get(ctx, "b:c", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, store.Delete(ctx, "c", "a:b"))
	_, err = store.Get(ctx, "b:c", "a")
	assert.NoError(t, err)

	_, _, err = store.GetOrCreate(ctx, "2001:db8::1", "login", models.RecordDefaults{Attempts: 1, ExpiresAt: now})
	require.NoError(t, err)
	got, err = store.Get(ctx, "2001:db8::1", "login")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", got.Identity)
}

func seedBlocked(t *testing.T, store repository.ThrottleStore, n int) []string {
	ctx := context.Background()
	var keys []string
	for i := 0; i < n; i++ {
		identity := fmt.Sprintf("user-%02d", i)
		rec, _, err := store.GetOrCreate(ctx, identity, "login", models.RecordDefaults{Attempts: 1, ExpiresAt: base()})
		require.NoError(t, err)
		if i%2 == 0 {
			blocked := base().Add(time.Duration(i) * time.Minute)
			rec.LastBlockedAt = &blocked
			rec.Level = 1
			require.NoError(t, store.Save(ctx, rec))
			keys = append(keys, rec.Key())
		}
	}
	sort.Strings(keys)
	return keys
}

func testListBlocked(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	want := seedBlocked(t, store, 10)

	var got []string
	err := store.ListBlocked(context.Background(), func(rec *models.ThrottleRecord) error {
		require.NotNil(t, rec.LastBlockedAt)
		got = append(got, rec.Key())
		return nil
	})
	require.NoError(t, err)
	sort.Strings(got)
	assert.Equal(t, want, got)

	stop := errors.New("stop")
	calls := 0
	err = store.ListBlocked(context.Background(), func(*models.ThrottleRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func testListBlockedDelete(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	ctx := context.Background()
	want := seedBlocked(t, store, 12)

	seen := 0
	err := store.ListBlocked(ctx, func(rec *models.ThrottleRecord) error {
		seen++
		return store.Delete(ctx, rec.Identity, rec.Scope)
	})
	require.NoError(t, err)
	assert.Equal(t, len(want), seen)

	err = store.ListBlocked(ctx, func(rec *models.ThrottleRecord) error {
		t.Fatalf("unexpected blocked record %s", rec.Key())
		return nil
	})
	require.NoError(t, err)

	// Unblocked records survive.
	_, err = store.Get(ctx, "user-01", "login")
	assert.NoError(t, err)
}

func testConcurrentCreate(t *testing.T, store repository.ThrottleStore) {
	defer store.Close()
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := store.GetOrCreate(ctx, "eve", "login", models.RecordDefaults{Attempts: 1, ExpiresAt: base()})
			if !assert.NoError(t, err) {
				return
			}
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}
