package seriescache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type redisCache struct {
	log    logrus.FieldLogger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a cache shared across processes through redis. The
// connection is checked with a ping before returning.
func NewRedis(
	log logrus.FieldLogger, cfg *config.RedisConfig, ttl time.Duration,
) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Address, err)
	}

	log.WithField("component", "series-cache").
		WithField("address", cfg.Address).
		Info("Connected to redis series cache")

	return newRedisWithClient(log, client, cfg.KeyPrefix, ttl), nil
}

func newRedisWithClient(
	log logrus.FieldLogger, client *redis.Client, prefix string, ttl time.Duration,
) *redisCache {
	return &redisCache{
		log:    log.WithField("component", "series-cache"),
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *redisCache) Get(ctx context.Context, key string) (Series, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}

	var series Series
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return series, true, nil
}

func (r *redisCache) Set(ctx context.Context, key string, series Series) error {
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

func (r *redisCache) Close() error {
	return r.client.Close()
}
