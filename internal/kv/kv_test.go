package kv

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	stores := map[string]Store{"memory": NewMemoryStore()}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
		require.NoError(t, rs.Ping(context.Background()))
		t.Cleanup(func() { _ = rs.Close() })
		stores["redis"] = rs
	}
	return stores
}

func TestStore_SetNX(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key := "test:setnx:" + uuid.NewString()
			t.Cleanup(func() { _ = s.Delete(ctx, key) })

			ok, err := s.SetNX(ctx, key, "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, key, "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Delete(ctx, key))
			ok, err = s.SetNX(ctx, key, "c", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key := "test:ttl:" + uuid.NewString()

			ok, err := s.SetNX(ctx, key, "a", 50*time.Millisecond)
			require.NoError(t, err)
			require.True(t, ok)

			assert.Eventually(t, func() bool {
				ok, err := s.SetNX(ctx, key, "b", time.Minute)
				return err == nil && ok
			}, 2*time.Second, 20*time.Millisecond)
			_ = s.Delete(ctx, key)
		})
	}
}

func TestStore_DeleteIfValue(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key := "test:cad:" + uuid.NewString()
			t.Cleanup(func() { _ = s.Delete(ctx, key) })

			_, err := s.SetNX(ctx, key, "owner-1", time.Minute)
			require.NoError(t, err)

			deleted, err := s.DeleteIfValue(ctx, key, "owner-2")
			require.NoError(t, err)
			assert.False(t, deleted)

			ok, _ := s.SetNX(ctx, key, "x", time.Minute)
			assert.False(t, ok, "key must survive a foreign delete")

			deleted, err = s.DeleteIfValue(ctx, key, "owner-1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.DeleteIfValue(ctx, key, "owner-1")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestStore_ConcurrentSetNXHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key := "test:race:" + uuid.NewString()
			t.Cleanup(func() { _ = s.Delete(ctx, key) })

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := s.SetNX(ctx, key, fmt.Sprint(i), time.Minute)
					if err == nil && ok {
						atomic.AddInt32(&wins, 1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
		})
	}
}
