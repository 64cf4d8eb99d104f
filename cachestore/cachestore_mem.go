package cachestore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type MemCacheStore struct {
	// serializes SetIfAbsent; the LRU itself is already safe for concurrent use
	mu   sync.Mutex
	Data *expirable.LRU[string, string]
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore(capacity int, ttl time.Duration) *MemCacheStore {
	return &MemCacheStore{
		Data: expirable.NewLRU[string, string](capacity, nil, ttl),
	}
}

func (s *MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	v, ok := s.Data.Get(cacheKey(name, key))
	if !ok {
		return "", nil
	}
	return v, nil
}

func (s *MemCacheStore) Set(ctx context.Context, name, key string, val string) error {
	s.Data.Add(cacheKey(name, key), val)
	return nil
}

func (s *MemCacheStore) SetIfAbsent(ctx context.Context, name, key string, val string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey(name, key)
	if _, ok := s.Data.Get(k); ok {
		return false, nil
	}
	s.Data.Add(k, val)
	return true, nil
}

func (s *MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(cacheKey(name, key))
	return nil
}
