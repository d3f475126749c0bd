// Package seriescache caches derived metric series per result. Series are
// keyed by metric and result, both immutable, so entries only expire by
// TTL and are never invalidated.
package seriescache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var lookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "knoboor_series_cache_lookups_total",
		Help: "Total number of derived-series cache lookups by outcome",
	},
	[]string{"outcome"},
)

// Point is one sample of a series.
type Point struct {
	// Time is unix milliseconds.
	Time  int64   `json:"t"`
	Value float64 `json:"v"`
}

// Series is an ordered list of points.
type Series []Point

// Cache is a bounded key-value store with TTL eviction.
type Cache interface {
	Get(ctx context.Context, key string) (Series, bool, error)
	Set(ctx context.Context, key string, series Series) error
	Close() error
}

// ComputeFunc produces a series on a cache miss.
type ComputeFunc func(ctx context.Context) (Series, error)

// New creates the cache backend selected by cfg.
func New(log logrus.FieldLogger, cfg *config.CacheConfig) (Cache, error) {
	ttl, err := cfg.CacheTTL()
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.MaxEntries, ttl), nil
	case "redis":
		return NewRedis(log, &cfg.Redis, ttl)
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Driver)
	}
}

// Key builds the cache key of a metric series for a result.
func Key(metric string, resultID uint) string {
	return metric + ",data," + strconv.FormatUint(uint64(resultID), 10)
}

// Loader wraps a Cache with compute-on-miss semantics.
type Loader struct {
	log   logrus.FieldLogger
	cache Cache
}

// NewLoader creates a Loader on top of cache.
func NewLoader(log logrus.FieldLogger, cache Cache) *Loader {
	return &Loader{
		log:   log.WithField("component", "series-cache"),
		cache: cache,
	}
}

// GetOrCompute returns the cached series for metric and resultID, or
// computes and stores it. Concurrent misses may compute twice; the last
// write wins. Backend errors are logged and the series is computed
// without caching.
func (l *Loader) GetOrCompute(
	ctx context.Context, metric string, resultID uint, fn ComputeFunc,
) (Series, error) {
	key := Key(metric, resultID)
	log := l.log.WithField("key", key)

	series, found, err := l.cache.Get(ctx, key)
	if err != nil {
		log.WithError(err).Warn("Series cache read failed")
		lookups.WithLabelValues("error").Inc()
	} else if found {
		lookups.WithLabelValues("hit").Inc()

		return series, nil
	} else {
		lookups.WithLabelValues("miss").Inc()
	}

	start := time.Now()

	series, err = fn(ctx)
	if err != nil {
		return nil, err
	}

	log.WithField("duration", time.Since(start)).Debug("Computed series")

	if err := l.cache.Set(ctx, key, series); err != nil {
		log.WithError(err).Warn("Series cache write failed")
	}

	return series, nil
}
