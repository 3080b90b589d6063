package redislock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/redislock"
)

// newTestLocker needs a live Redis; REDIS_ADDR points at it.
func newTestLocker(t *testing.T) (*redislock.Locker, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return redislock.New(client, 2*time.Second, nil), client
}

func TestLocker_LockUnlock(t *testing.T) {
	locker, client := newTestLocker(t)
	ctx := context.Background()
	key := settlement.ContractLockKey(settlement.ContractID("test-" + uuid.NewString()))

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	n, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unlock()
	unlock()

	n, err = client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLocker_ContentionTimesOut(t *testing.T) {
	// GIVEN: a held contract lock
	// WHEN: a second caller waits with a short deadline
	// THEN: it gets ErrLockTimeout, and succeeds once the lock is released

	locker, _ := newTestLocker(t)
	key := settlement.ContractLockKey(settlement.ContractID("test-" + uuid.NewString()))

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)
	assert.ErrorIs(t, err, settlement.ErrLockTimeout)

	unlock()

	again, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)
	again()
}
