// Operator-maintained static sets, loaded from a JSON file of name to member list. The daemon uses "trusted-users" to let known accounts skip verification and "exempt-groups" for groups that are managed but never challenge.
package setstore

import (
	"context"
	"encoding/json"
	"os"
	"sync"
)

const (
	SetTrustedUsers = "trusted-users"
	SetExemptGroups = "exempt-groups"
)

type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
}

type MemSetStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

var _ SetStore = (*MemSetStore)(nil)

func NewMemSetStore() *MemSetStore {
	return &MemSetStore{
		sets: make(map[string]map[string]struct{}),
	}
}

// returns false when the named set doesn't exist
func (s *MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sets[name][val]
	return ok, nil
}

// Replace swaps the whole named set.
func (s *MemSetStore) Replace(name string, vals []string) {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	s.mu.Lock()
	s.sets[name] = m
	s.mu.Unlock()
}

func (s *MemSetStore) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[name])
}

// LoadFromFileJSON merges sets from the file; sets named in the file replace existing ones, others are untouched.
func (s *MemSetStore) LoadFromFileJSON(p string) error {
	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return err
	}
	for name, l := range sets {
		s.Replace(name, l)
	}
	return nil
}
