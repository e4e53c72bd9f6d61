package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"throttle-service/internal/client"
	"throttle-service/internal/config"
	"throttle-service/internal/models"
	"throttle-service/internal/repository"
	"throttle-service/internal/repository/storetest"
)

func newTestStore(t *testing.T) (*ThrottleStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.Config{Redis: config.RedisConfig{
		URL:       "redis://" + mr.Addr(),
		PoolSize:  4,
		KeyPrefix: "test",
	}}
	rc, err := client.NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	return NewThrottleStore(rc), mr
}

func TestThrottleStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.ThrottleStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestThrottleStoreMaintainsBlockedIndex(t *testing.T) {
	store, mr := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	rec, _, err := store.GetOrCreate(ctx, "10.0.0.1", "login", models.RecordDefaults{Attempts: 1, ExpiresAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:record:5:login:10.0.0.1"))

	blocked := rec.ExpiresAt
	rec.LastBlockedAt = &blocked
	require.NoError(t, store.Save(ctx, rec))
	members, err := mr.ZMembers("test:blocked")
	require.NoError(t, err)
	assert.Equal(t, []string{"test:record:5:login:10.0.0.1"}, members)

	rec.LastBlockedAt = nil
	require.NoError(t, store.Save(ctx, rec))
	members, _ = mr.ZMembers("test:blocked")
	assert.Empty(t, members)
}

func TestListBlockedPrunesStaleIndexEntries(t *testing.T) {
	store, mr := newTestStore(t)
	defer store.Close()

	_, err := mr.ZAdd("test:blocked", 1, "test:record:5:login:ghost")
	require.NoError(t, err)

	calls := 0
	err = store.ListBlocked(context.Background(), func(*models.ThrottleRecord) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
	members, _ := mr.ZMembers("test:blocked")
	assert.Empty(t, members)
}
