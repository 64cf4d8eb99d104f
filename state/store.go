package state

import (
	"log/slog"
	"slices"
	"sync"
)

// Store is the process-wide state of the verification service. The zero value is not usable; use NewStore.
type Store struct {
	locks [numDomains]sync.Mutex

	// message
	users    map[int64]*UserStatus
	registry map[int64]*MessageRegistry
	changed  IDSet
	// admin
	admins map[int64]IDSet
	// config
	groups map[int64]*GroupConfig
	starts map[string]*StartSession
	// flood
	flood map[int64]*FloodState
	// invite
	invite InviteCache
	// pin
	pins map[int64]*PinPair
	// regex
	rules map[string][]string
	subs  map[rune]rune
	// failed
	failed []FailedRecord
	// receive
	lists Lists

	persister Persister
	logger    *slog.Logger

	dirtyMu sync.Mutex
	dirty   map[Category]bool
	saveMu  map[Category]*sync.Mutex
}

func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		persister: persister,
		logger:    logger.With("component", "state"),
		dirty:     make(map[Category]bool),
		saveMu:    make(map[Category]*sync.Mutex, len(Categories)),
	}
	for _, c := range Categories {
		s.saveMu[c] = &sync.Mutex{}
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.users = make(map[int64]*UserStatus)
	s.registry = make(map[int64]*MessageRegistry)
	s.changed = NewIDSet()
	s.admins = make(map[int64]IDSet)
	s.groups = make(map[int64]*GroupConfig)
	s.starts = make(map[string]*StartSession)
	s.flood = make(map[int64]*FloodState)
	s.invite = InviteCache{}
	s.pins = make(map[int64]*PinPair)
	s.rules = make(map[string][]string)
	s.subs = make(map[rune]rune)
	s.failed = []FailedRecord{}
	s.lists = newLists()
}

// Do runs fn with the given domains held. Locks are always released when fn returns or panics, and every category touched through the Tx is marked for the next save.
func (s *Store) Do(fn func(tx *Tx) error, domains ...Domain) error {
	mask := combine(domains)
	unlock := s.lock(mask)
	tx := &Tx{s: s, held: mask}
	defer func() {
		tx.held = 0
		unlock()
		s.markDirty(tx.touched)
	}()
	return fn(tx)
}

func (s *Store) markDirty(cats []Category) {
	if len(cats) == 0 {
		return
	}
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	for _, c := range cats {
		s.dirty[c] = true
	}
}

// Tx is a handle on the store that is only valid inside the Store.Do callback that created it.
type Tx struct {
	s       *Store
	held    Domain
	touched []Category
}

func (tx *Tx) need(d Domain, c Category) {
	if tx.held&d == 0 {
		panic(DomainError{Need: d, Held: tx.held})
	}
	if c != "" && !slices.Contains(tx.touched, c) {
		tx.touched = append(tx.touched, c)
	}
}

// User returns the status for a user, or nil if the user is not tracked.
func (tx *Tx) User(id int64) *UserStatus {
	tx.need(DomainMessage, CategoryUsers)
	return tx.s.users[id]
}

// EnsureUser returns the status for a user, creating it on first sight.
func (tx *Tx) EnsureUser(id int64) *UserStatus {
	tx.need(DomainMessage, CategoryUsers)
	u, ok := tx.s.users[id]
	if !ok {
		u = NewUserStatus(id)
		tx.s.users[id] = u
	}
	return u
}

// Users returns every tracked user ordered by id.
func (tx *Tx) Users() []*UserStatus {
	tx.need(DomainMessage, CategoryUsers)
	out := make([]*UserStatus, 0, len(tx.s.users))
	for _, u := range tx.s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b *UserStatus) int {
		if a.ID < b.ID {
			return -1
		} else if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (tx *Tx) DeleteUser(id int64) {
	tx.need(DomainMessage, CategoryUsers)
	delete(tx.s.users, id)
}

// ClearUsers drops every user record.
func (tx *Tx) ClearUsers() {
	tx.need(DomainMessage, CategoryUsers)
	tx.s.users = make(map[int64]*UserStatus)
}

// WaitCount is the number of users currently on the wait list of a group.
func (tx *Tx) WaitCount(group int64) int {
	return len(tx.Waiters(group))
}

// Waiters returns the users waiting on a group, ordered by wait time.
func (tx *Tx) Waiters(group int64) []*UserStatus {
	tx.need(DomainMessage, CategoryUsers)
	var out []*UserStatus
	for _, u := range tx.s.users {
		if _, ok := u.Wait[group]; ok {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b *UserStatus) int {
		if a.Wait[group] != b.Wait[group] {
			if a.Wait[group] < b.Wait[group] {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// Registry returns the message registry of a group, creating it if needed.
func (tx *Tx) Registry(group int64) *MessageRegistry {
	tx.need(DomainMessage, CategoryMessages)
	r, ok := tx.s.registry[group]
	if !ok {
		r = NewMessageRegistry()
		tx.s.registry[group] = r
	}
	return r
}

func (tx *Tx) RegistryGroups() []int64 {
	tx.need(DomainMessage, "")
	return sortedKeys(tx.s.registry)
}

// Changed reports whether the user already swapped their current challenge.
func (tx *Tx) Changed(user int64) bool {
	tx.need(DomainMessage, "")
	return tx.s.changed.Has(user)
}

func (tx *Tx) MarkChanged(user int64) {
	tx.need(DomainMessage, "")
	tx.s.changed.Add(user)
}

func (tx *Tx) ResetChanged() {
	tx.need(DomainMessage, "")
	tx.s.changed = NewIDSet()
}

func (tx *Tx) IsAdmin(group, user int64) bool {
	tx.need(DomainAdmin, "")
	return tx.s.admins[group].Has(user)
}

func (tx *Tx) SetAdmins(group int64, ids []int64) {
	tx.need(DomainAdmin, CategoryAdmins)
	tx.s.admins[group] = NewIDSet(ids...)
}

func (tx *Tx) DeleteAdmins(group int64) {
	tx.need(DomainAdmin, CategoryAdmins)
	delete(tx.s.admins, group)
}

// Group returns the policy of a managed group, or nil if the group is not managed.
func (tx *Tx) Group(group int64) *GroupConfig {
	tx.need(DomainConfig, CategoryGroups)
	return tx.s.groups[group]
}

func (tx *Tx) Managed(group int64) bool {
	tx.need(DomainConfig, "")
	_, ok := tx.s.groups[group]
	return ok
}

// GroupConfig returns a copy of the group policy, falling back to the defaults for unmanaged groups.
func (tx *Tx) GroupConfig(group int64) GroupConfig {
	tx.need(DomainConfig, "")
	if c, ok := tx.s.groups[group]; ok {
		return *c
	}
	return DefaultGroupConfig()
}

func (tx *Tx) SetGroup(group int64, cfg GroupConfig) {
	tx.need(DomainConfig, CategoryGroups)
	cfg.Normalize()
	tx.s.groups[group] = &cfg
}

func (tx *Tx) DeleteGroup(group int64) {
	tx.need(DomainConfig, CategoryGroups)
	delete(tx.s.groups, group)
}

// Groups returns every managed group id in ascending order.
func (tx *Tx) Groups() []int64 {
	tx.need(DomainConfig, "")
	return sortedKeys(tx.s.groups)
}

func (tx *Tx) Start(key string) *StartSession {
	tx.need(DomainConfig, CategoryStarts)
	return tx.s.starts[key]
}

func (tx *Tx) SetStart(key string, sess StartSession) {
	tx.need(DomainConfig, CategoryStarts)
	tx.s.starts[key] = &sess
}

func (tx *Tx) DeleteStart(key string) {
	tx.need(DomainConfig, CategoryStarts)
	delete(tx.s.starts, key)
}

func (tx *Tx) StartKeys() []string {
	tx.need(DomainConfig, "")
	return sortedKeys(tx.s.starts)
}

// Flood returns the flood state of a group, creating it if needed.
func (tx *Tx) Flood(group int64) *FloodState {
	tx.need(DomainFlood, CategoryFlood)
	f, ok := tx.s.flood[group]
	if !ok {
		f = &FloodState{}
		tx.s.flood[group] = f
	}
	return f
}

// AnyFlooded reports whether any group is currently in flood mode.
func (tx *Tx) AnyFlooded() bool {
	tx.need(DomainFlood, "")
	for _, f := range tx.s.flood {
		if f.Flooded() {
			return true
		}
	}
	return false
}

func (tx *Tx) FloodGroups() []int64 {
	tx.need(DomainFlood, "")
	return sortedKeys(tx.s.flood)
}

func (tx *Tx) Pins(group int64) *PinPair {
	tx.need(DomainPin, CategoryFlood)
	p, ok := tx.s.pins[group]
	if !ok {
		p = &PinPair{}
		tx.s.pins[group] = p
	}
	return p
}

func (tx *Tx) Invite() *InviteCache {
	tx.need(DomainInvite, CategoryInvite)
	return &tx.s.invite
}

// Rules returns a copy of the named regex rule set.
func (tx *Tx) Rules(name string) []string {
	tx.need(DomainRegex, "")
	return slices.Clone(tx.s.rules[name])
}

func (tx *Tx) SetRules(name string, rules []string) {
	tx.need(DomainRegex, CategoryRegex)
	tx.s.rules[name] = slices.Clone(rules)
}

func (tx *Tx) RuleNames() []string {
	tx.need(DomainRegex, "")
	return sortedKeys(tx.s.rules)
}

// Substitutions is the character substitution table derived from annotated rules.
func (tx *Tx) Substitutions() map[rune]rune {
	tx.need(DomainRegex, "")
	out := make(map[rune]rune, len(tx.s.subs))
	for k, v := range tx.s.subs {
		out[k] = v
	}
	return out
}

func (tx *Tx) SetSubstitutions(subs map[rune]rune) {
	tx.need(DomainRegex, CategoryRegex)
	tx.s.subs = make(map[rune]rune, len(subs))
	for k, v := range subs {
		tx.s.subs[k] = v
	}
}

func (tx *Tx) AddFailed(rec FailedRecord) {
	tx.need(DomainFailed, CategoryFailed)
	tx.s.failed = append(tx.s.failed, rec)
}

// Failed returns a copy of the pending failure diagnostics.
func (tx *Tx) Failed() []FailedRecord {
	tx.need(DomainFailed, "")
	return slices.Clone(tx.s.failed)
}

func (tx *Tx) ClearFailed() {
	tx.need(DomainFailed, CategoryFailed)
	tx.s.failed = []FailedRecord{}
}

// Lists returns the federation-synchronized identity lists.
func (tx *Tx) Lists() *Lists {
	tx.need(DomainReceive, CategoryLists)
	return &tx.s.lists
}

func sortedKeys[K int64 | string, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
