package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/labrun/pkg/adapters/redis"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)
	ports.RunStoreContract(t, redis.NewFromClient(client))
}

func TestRedisStore_Contract_Compressed(t *testing.T) {
	_, client := newClient(t)
	ports.RunStoreContract(t, redis.NewFromClient(client, redis.WithCompression(true)))
}

func TestRedisStore_ReadsPlainAfterEnablingCompression(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	plain := redis.NewFromClient(client)
	require.NoError(t, plain.CreateRun(ctx, domain.RunRecord{RunID: "r1", Status: domain.StatusRunning, CreatedAt: time.Now()}))

	compressed := redis.NewFromClient(client, redis.WithCompression(true))
	got, err := compressed.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, domain.RunRecord{RunID: "my-run", CreatedAt: time.Now()}))
	require.NoError(t, store.CreateFunctionCallLog(ctx, domain.FunctionCallLogEntry{CallID: "c1", RunID: "my-run", Sequence: 1}))

	assert.True(t, mr.Exists("custom:app:run:my-run"), "Expected key with custom prefix to exist")
	assert.True(t, mr.Exists("custom:app:runs"), "Expected index with custom prefix to exist")
	assert.True(t, mr.Exists("custom:app:calls:my-run"), "Expected call hash with custom prefix to exist")
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client, redis.WithTTL(time.Second))
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, domain.RunRecord{RunID: "r-ttl", CreatedAt: time.Now()}))
	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	mr.FastForward(2 * time.Second)

	_, err = store.GetRun(ctx, "r-ttl")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	runs, err = store.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.False(t, mr.Exists("labrun:runs"), "expired run should be pruned from the index")
}
