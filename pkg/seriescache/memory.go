package seriescache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries is used when no bound is configured.
const DefaultMaxEntries = 4096

type memory struct {
	lru *expirable.LRU[string, Series]
}

// NewMemory creates an in-process cache holding at most maxEntries series
// for ttl each.
func NewMemory(maxEntries int, ttl time.Duration) Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &memory{
		lru: expirable.NewLRU[string, Series](maxEntries, nil, ttl),
	}
}

func (m *memory) Get(_ context.Context, key string) (Series, bool, error) {
	s, ok := m.lru.Get(key)

	return s, ok, nil
}

func (m *memory) Set(_ context.Context, key string, series Series) error {
	m.lru.Add(key, series)

	return nil
}

func (m *memory) Close() error {
	m.lru.Purge()

	return nil
}
