package countstore

import (
	"context"
	"sync"
	"time"
)

type MemCountStore struct {
	mu             sync.Mutex
	counts         map[string]int
	distinctCounts map[string]map[string]struct{}
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		counts:         make(map[string]int),
		distinctCounts: make(map[string]map[string]struct{}),
	}
}

func (s *MemCountStore) GetCount(ctx context.Context, name, val, period string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[periodBucket(name, val, period, at)], nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range Periods {
		s.counts[periodBucket(name, val, p, at)]++
	}
	return nil
}

func (s *MemCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.distinctCounts[periodBucket(name, bucket, period, at)]), nil
}

func (s *MemCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range Periods {
		k := periodBucket(name, bucket, p, at)
		m, ok := s.distinctCounts[k]
		if !ok {
			m = make(map[string]struct{})
			s.distinctCounts[k] = m
		}
		m[val] = struct{}{}
	}
	return nil
}
