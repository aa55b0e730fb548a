package redisstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/storage/storagetest"
)

// newTestStore needs a running Redis on localhost and skips otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}

	prefix := fmt.Sprintf("trustgate-test-%d", time.Now().UnixNano())
	s := New(client, Options{KeyPrefix: prefix, LockTTL: 2 * time.Second})
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return s
}

func TestStore_StateContract(t *testing.T) {
	storagetest.RunStateStore(t, newTestStore(t))
}

func TestStore_WithTenantLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var inner bool
	ok, err := s.WithTenantLock(ctx, "acme", func(ctx context.Context) error {
		var innerErr error
		inner, innerErr = s.WithTenantLock(ctx, "acme", func(context.Context) error { return nil })
		return innerErr
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, inner, "the lock is exclusive while held")

	var runs atomic.Int32
	ok, err = s.WithTenantLock(ctx, "acme", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok, "the lock is released after use")
	assert.Equal(t, int32(1), runs.Load())
}

func TestNew_Defaults(t *testing.T) {
	s := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Options{})
	defer s.Close()

	assert.Equal(t, defaultLockTTL, s.lockTTL)
	assert.Equal(t, "trustgate:state:acme", s.stateKey("acme"))
	assert.Equal(t, "trustgate:lock:acme", s.lockKey("acme"))
}
