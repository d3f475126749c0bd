package seriescache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/knoboor/pkg/config"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func countingCompute(calls *atomic.Int32, s Series) ComputeFunc {
	return func(context.Context) (Series, error) {
		calls.Add(1)

		return s, nil
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "throughput,data,42", Key("throughput", 42))
}

func TestLoader_GetOrCompute(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader(testLogger(), NewMemory(16, time.Minute))
	want := Series{{Time: 1000, Value: 1.5}, {Time: 2000, Value: 2.5}}

	var calls atomic.Int32

	got, err := loader.GetOrCompute(ctx, "latency", 1, countingCompute(&calls, want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = loader.GetOrCompute(ctx, "latency", 1, countingCompute(&calls, nil))
	require.NoError(t, err)
	assert.Equal(t, want, got, "hit returns the cached value")
	assert.Equal(t, int32(1), calls.Load())

	_, err = loader.GetOrCompute(ctx, "latency", 2, countingCompute(&calls, want))
	require.NoError(t, err)
	_, err = loader.GetOrCompute(ctx, "throughput", 1, countingCompute(&calls, want))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "metric and result both key the entry")
}

func TestLoader_ComputeError(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory(16, time.Minute)
	loader := NewLoader(testLogger(), cache)

	_, err := loader.GetOrCompute(ctx, "m", 1, func(context.Context) (Series, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	_, found, err := cache.Get(ctx, Key("m", 1))
	require.NoError(t, err)
	assert.False(t, found, "failed computations are not cached")
}

func TestMemory_TTLAndBound(t *testing.T) {
	ctx := context.Background()

	short := NewMemory(16, 20*time.Millisecond)
	require.NoError(t, short.Set(ctx, "k", Series{{Time: 1, Value: 1}}))

	require.Eventually(t, func() bool {
		_, found, _ := short.Get(ctx, "k")

		return !found
	}, time.Second, 10*time.Millisecond)

	bounded := NewMemory(2, time.Minute)
	require.NoError(t, bounded.Set(ctx, "a", Series{}))
	require.NoError(t, bounded.Set(ctx, "b", Series{}))
	require.NoError(t, bounded.Set(ctx, "c", Series{}))

	_, found, _ := bounded.Get(ctx, "a")
	assert.False(t, found, "oldest entry is evicted")

	_, found, _ = bounded.Get(ctx, "c")
	assert.True(t, found)
	require.NoError(t, bounded.Close())
}

func TestLoader_UnavailableRedisDegrades(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	cache := newRedisWithClient(testLogger(), client, "test:", time.Minute)
	t.Cleanup(func() { _ = cache.Close() })

	loader := NewLoader(testLogger(), cache)
	want := Series{{Time: 5, Value: 5}}

	var calls atomic.Int32

	for i := 0; i < 2; i++ {
		got, err := loader.GetOrCompute(context.Background(), "m", 7, countingCompute(&calls, want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	assert.Equal(t, int32(2), calls.Load(), "every lookup recomputes without a backend")
}

func TestNew(t *testing.T) {
	c, err := New(testLogger(), &config.CacheConfig{Driver: "memory", TTL: "5m", MaxEntries: 10})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = New(testLogger(), &config.CacheConfig{Driver: "memcached", TTL: "5m"})
	require.Error(t, err)

	_, err = New(testLogger(), &config.CacheConfig{Driver: "memory", TTL: "soon"})
	require.Error(t, err)
}
