package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Category is one independently persisted collection.
type Category string

const (
	CategoryUsers    Category = "users"
	CategoryGroups   Category = "groups"
	CategoryMessages Category = "messages"
	CategoryFlood    Category = "flood"
	CategoryLists    Category = "lists"
	CategoryRegex    Category = "regex"
	CategoryStarts   Category = "starts"
	CategoryInvite   Category = "invite"
	CategoryFailed   Category = "failed"
	CategoryAdmins   Category = "admins"
)

var Categories = []Category{
	CategoryUsers,
	CategoryGroups,
	CategoryMessages,
	CategoryFlood,
	CategoryLists,
	CategoryRegex,
	CategoryStarts,
	CategoryInvite,
	CategoryFailed,
	CategoryAdmins,
}

// ErrSnapshotLost is returned by Load when both the primary and the shadow copy of a category exist but neither can be decoded. Serving with unknown state risks punishing or clearing users twice, so callers treat it as fatal.
var ErrSnapshotLost = errors.New("snapshot and shadow both unreadable")

var ErrUnknownCategory = errors.New("unknown state category")

func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

func (c Category) domains() Domain {
	switch c {
	case CategoryUsers, CategoryMessages:
		return DomainMessage
	case CategoryGroups, CategoryStarts:
		return DomainConfig
	case CategoryFlood:
		return DomainFlood | DomainPin
	case CategoryLists:
		return DomainReceive
	case CategoryRegex:
		return DomainRegex
	case CategoryInvite:
		return DomainInvite
	case CategoryFailed:
		return DomainFailed
	case CategoryAdmins:
		return DomainAdmin
	}
	panic("state: unhandled category " + string(c))
}

type floodSnapshot struct {
	Flood map[int64]*FloodState `json:"flood"`
	Pins  map[int64]*PinPair    `json:"pins"`
}

type regexSnapshot struct {
	Rules map[string][]string `json:"rules"`
	// substitutions keyed by the source character
	Subs map[string]string `json:"subs"`
}

// encode serializes one category. Caller holds the category's domains.
func (s *Store) encode(c Category) ([]byte, error) {
	var v any
	switch c {
	case CategoryUsers:
		v = s.users
	case CategoryGroups:
		v = s.groups
	case CategoryMessages:
		v = s.registry
	case CategoryFlood:
		v = floodSnapshot{Flood: s.flood, Pins: s.pins}
	case CategoryLists:
		v = s.lists
	case CategoryRegex:
		subs := make(map[string]string, len(s.subs))
		for k, r := range s.subs {
			subs[string(k)] = string(r)
		}
		v = regexSnapshot{Rules: s.rules, Subs: subs}
	case CategoryStarts:
		v = s.starts
	case CategoryInvite:
		v = s.invite
	case CategoryFailed:
		v = s.failed
	case CategoryAdmins:
		v = s.admins
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return json.Marshal(v)
}

// decode replaces one category with the contents of a snapshot. Caller holds the category's domains. The store is left untouched when decoding fails.
func (s *Store) decode(c Category, data []byte) error {
	switch c {
	case CategoryUsers:
		users := make(map[int64]*UserStatus)
		if err := json.Unmarshal(data, &users); err != nil {
			return err
		}
		if users == nil {
			users = make(map[int64]*UserStatus)
		}
		for id, u := range users {
			if u == nil {
				delete(users, id)
				continue
			}
			u.fill()
		}
		s.users = users
	case CategoryGroups:
		groups := make(map[int64]*GroupConfig)
		if err := json.Unmarshal(data, &groups); err != nil {
			return err
		}
		if groups == nil {
			groups = make(map[int64]*GroupConfig)
		}
		for id, g := range groups {
			if g == nil {
				delete(groups, id)
				continue
			}
			g.Normalize()
		}
		s.groups = groups
	case CategoryMessages:
		reg := make(map[int64]*MessageRegistry)
		if err := json.Unmarshal(data, &reg); err != nil {
			return err
		}
		if reg == nil {
			reg = make(map[int64]*MessageRegistry)
		}
		for id, r := range reg {
			if r == nil {
				delete(reg, id)
				continue
			}
			r.fill()
		}
		s.registry = reg
	case CategoryFlood:
		var snap floodSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		if snap.Flood == nil {
			snap.Flood = make(map[int64]*FloodState)
		}
		if snap.Pins == nil {
			snap.Pins = make(map[int64]*PinPair)
		}
		s.flood = snap.Flood
		s.pins = snap.Pins
	case CategoryLists:
		lists := newLists()
		if err := json.Unmarshal(data, &lists); err != nil {
			return err
		}
		lists.fill()
		s.lists = lists
	case CategoryRegex:
		var snap regexSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		subs := make(map[rune]rune, len(snap.Subs))
		for k, v := range snap.Subs {
			kr, vr := []rune(k), []rune(v)
			if len(kr) != 1 || len(vr) != 1 {
				return fmt.Errorf("invalid substitution %q -> %q", k, v)
			}
			subs[kr[0]] = vr[0]
		}
		if snap.Rules == nil {
			snap.Rules = make(map[string][]string)
		}
		s.rules = snap.Rules
		s.subs = subs
	case CategoryStarts:
		starts := make(map[string]*StartSession)
		if err := json.Unmarshal(data, &starts); err != nil {
			return err
		}
		if starts == nil {
			starts = make(map[string]*StartSession)
		}
		for id, st := range starts {
			if st == nil {
				delete(starts, id)
			}
		}
		s.starts = starts
	case CategoryInvite:
		var inv InviteCache
		if err := json.Unmarshal(data, &inv); err != nil {
			return err
		}
		s.invite = inv
	case CategoryFailed:
		failed := []FailedRecord{}
		if err := json.Unmarshal(data, &failed); err != nil {
			return err
		}
		if failed == nil {
			failed = []FailedRecord{}
		}
		s.failed = failed
	case CategoryAdmins:
		admins := make(map[int64]IDSet)
		if err := json.Unmarshal(data, &admins); err != nil {
			return err
		}
		if admins == nil {
			admins = make(map[int64]IDSet)
		}
		for id, set := range admins {
			if set == nil {
				admins[id] = NewIDSet()
			}
		}
		s.admins = admins
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return nil
}

// Snapshot returns the serialized form of one category.
func (s *Store) Snapshot(c Category) ([]byte, error) {
	unlock := s.lock(c.domains())
	defer unlock()
	return s.encode(c)
}

// Restore replaces one category with a snapshot (for example one received as a federation rollback) and persists it.
func (s *Store) Restore(ctx context.Context, c Category, data []byte) error {
	unlock := s.lock(c.domains())
	err := s.decode(c, data)
	unlock()
	if err != nil {
		return fmt.Errorf("restoring %s: %w", c, err)
	}
	return s.Save(ctx, c)
}

// Save persists one category. Saves of the same category are serialized, so an older snapshot never overwrites a newer one.
func (s *Store) Save(ctx context.Context, c Category) error {
	if s.persister == nil {
		return nil
	}
	mu := s.saveMu[c]
	if mu == nil {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	mu.Lock()
	defer mu.Unlock()

	unlock := s.lock(c.domains())
	data, err := s.encode(c)
	unlock()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", c, err)
	}
	if err := s.persister.Save(ctx, c, data); err != nil {
		s.markDirty([]Category{c})
		return fmt.Errorf("saving %s: %w", c, err)
	}
	return nil
}

// SaveDirty persists every category modified since the last save.
func (s *Store) SaveDirty(ctx context.Context) error {
	s.dirtyMu.Lock()
	var cats []Category
	for _, c := range Categories {
		if s.dirty[c] {
			cats = append(cats, c)
		}
	}
	s.dirty = make(map[Category]bool)
	s.dirtyMu.Unlock()

	var errs []error
	for _, c := range cats {
		if err := s.Save(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveAll persists every category.
func (s *Store) SaveAll(ctx context.Context) error {
	var errs []error
	for _, c := range Categories {
		if err := s.Save(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load restores every category from the persister. Each category is loaded independently: a damaged category doesn't prevent the others from loading, but its error (wrapping ErrSnapshotLost) is included in the returned error.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	var errs []error
	for _, c := range Categories {
		if err := s.loadCategory(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) loadCategory(ctx context.Context, c Category) error {
	unlock := s.lock(c.domains())
	defer unlock()

	primary, perr := s.persister.Load(ctx, c)
	if perr == nil {
		if perr = s.decode(c, primary); perr == nil {
			return nil
		}
	}

	shadow, serr := s.persister.LoadShadow(ctx, c)
	if serr == nil {
		if serr = s.decode(c, shadow); serr == nil {
			s.logger.Warn("primary snapshot unreadable, loaded shadow copy", "category", c, "err", perr)
			return nil
		}
	}

	if errors.Is(perr, ErrNotFound) && errors.Is(serr, ErrNotFound) {
		return nil
	}
	return fmt.Errorf("loading %s: %w (primary: %v, shadow: %v)", c, ErrSnapshotLost, perr, serr)
}
