package flagstore

import (
	"context"
	"slices"
	"sync"
)

type MemFlagStore struct {
	mu   sync.Mutex
	data map[string]map[string]struct{}
}

var _ FlagStore = (*MemFlagStore)(nil)

func NewMemFlagStore() *MemFlagStore {
	return &MemFlagStore{
		data: make(map[string]map[string]struct{}),
	}
}

func (s *MemFlagStore) Get(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for f := range s.data[key] {
		out = append(out, f)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemFlagStore) Add(ctx context.Context, key string, flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[key]
	if !ok {
		m = make(map[string]struct{}, len(flags))
		s.data[key] = m
	}
	for _, f := range flags {
		m[f] = struct{}{}
	}
	return nil
}

// does not error if flags not in set
func (s *MemFlagStore) Remove(ctx context.Context, key string, flags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[key]
	if !ok {
		return nil
	}
	for _, f := range flags {
		delete(m, f)
	}
	if len(m) == 0 {
		delete(s.data, key)
	}
	return nil
}
