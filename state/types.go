package state

import (
	"encoding/json"
	"slices"
)

// IDSet is a set of user or group identifiers. Serialized as a sorted JSON array.
type IDSet map[int64]struct{}

func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id int64) {
	s[id] = struct{}{}
}

func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Remove(id int64) {
	delete(s, id)
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(b []byte) error {
	var ids []int64
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// ChallengeRecord is the question currently issued to a user in the holding area.
type ChallengeRecord struct {
	MessageID  int      `json:"message_id"`
	Kind       string   `json:"kind"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Candidates []string `json:"candidates,omitempty"`
	Issued     int64    `json:"issued"`
}

// UserDetail is the profile information captured when a user is first seen, used for failure diagnostics.
type UserDetail struct {
	HasUsername bool   `json:"has_username"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Bio         string `json:"bio"`
}

// UserStatus tracks one verifiable identity across every managed group.
//
// All timestamps are unix seconds. A group id appears in at most one of Wait, Pass, and (recent) Succeeded. A negative Failed value records a failure that was later forgiven.
type UserStatus struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Locale    string           `json:"locale,omitempty"`
	Detail    UserDetail       `json:"detail"`
	Challenge *ChallengeRecord `json:"challenge"`
	Try       int              `json:"try"`
	Limit     int              `json:"limit"`
	Join      map[int64]int64  `json:"join"`
	Wait      map[int64]int64  `json:"wait"`
	Pass      map[int64]int64  `json:"pass"`
	Succeeded map[int64]int64  `json:"succeeded"`
	Failed    map[int64]int64  `json:"failed"`
	// group id to ban expiry; zero means permanent
	Banned     map[int64]int64    `json:"banned"`
	Restricted IDSet              `json:"restricted"`
	Manual     IDSet              `json:"manual"`
	Score      map[string]float64 `json:"score"`
	InHolding  bool               `json:"in_holding"`
	HoldUntil  int64              `json:"hold_until"`
}

func NewUserStatus(id int64) *UserStatus {
	return &UserStatus{
		ID:         id,
		Join:       make(map[int64]int64),
		Wait:       make(map[int64]int64),
		Pass:       make(map[int64]int64),
		Succeeded:  make(map[int64]int64),
		Failed:     make(map[int64]int64),
		Banned:     make(map[int64]int64),
		Restricted: NewIDSet(),
		Manual:     NewIDSet(),
		Score:      make(map[string]float64),
	}
}

// fill replaces nil maps, which show up when decoding older or hand-written snapshots.
func (u *UserStatus) fill() {
	if u.Join == nil {
		u.Join = make(map[int64]int64)
	}
	if u.Wait == nil {
		u.Wait = make(map[int64]int64)
	}
	if u.Pass == nil {
		u.Pass = make(map[int64]int64)
	}
	if u.Succeeded == nil {
		u.Succeeded = make(map[int64]int64)
	}
	if u.Failed == nil {
		u.Failed = make(map[int64]int64)
	}
	if u.Banned == nil {
		u.Banned = make(map[int64]int64)
	}
	if u.Restricted == nil {
		u.Restricted = NewIDSet()
	}
	if u.Manual == nil {
		u.Manual = NewIDSet()
	}
	if u.Score == nil {
		u.Score = make(map[string]float64)
	}
}

// Enroll puts the user on the wait list for a group, clearing any pass or success record for that group.
func (u *UserStatus) Enroll(group, now int64) {
	delete(u.Pass, group)
	delete(u.Succeeded, group)
	u.Join[group] = now
	u.Wait[group] = now
}

// MarkPassed records a manual or automatic pass, clearing the wait entry for the group.
func (u *UserStatus) MarkPassed(group, now int64) {
	delete(u.Wait, group)
	delete(u.Succeeded, group)
	u.Pass[group] = now
}

// MarkSucceeded records a successful verification for the group, clearing the wait entry.
func (u *UserStatus) MarkSucceeded(group, now int64) {
	delete(u.Wait, group)
	delete(u.Pass, group)
	u.Succeeded[group] = now
}

// Waiting returns the groups the user is waiting on, ordered by wait time and then by group id.
func (u *UserStatus) Waiting() []int64 {
	out := make([]int64, 0, len(u.Wait))
	for g := range u.Wait {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b int64) int {
		if u.Wait[a] != u.Wait[b] {
			if u.Wait[a] < u.Wait[b] {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	})
	return out
}

// Punishment is the action taken against a user who fails verification in a group.
type Punishment string

const (
	PunishKick     Punishment = "kick"
	PunishRestrict Punishment = "restrict"
	PunishBan      Punishment = "ban"
)

type HintMode string

const (
	HintNormal HintMode = "normal"
	HintOff    HintMode = "off"
)

// CustomQuestion is a group-specific question configured by a group admin.
type CustomQuestion struct {
	Question string   `json:"question"`
	Answers  []string `json:"answers"`
}

// GroupConfig is the per-group verification policy.
type GroupConfig struct {
	Delete     bool            `json:"delete"`
	Punish     Punishment      `json:"punish"`
	Forgive    bool            `json:"forgive"`
	Hint       HintMode        `json:"hint"`
	PinOnFlood bool            `json:"pin"`
	AutoPass   bool            `json:"auto"`
	ManualOnly bool            `json:"manual"`
	Custom     *CustomQuestion `json:"custom,omitempty"`
	// time of the last config panel request; changes are locked while set
	Lock int64 `json:"lock"`
	// set when the daily permission check found missing rights
	Lacking bool `json:"lacking"`
}

func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		Delete:     true,
		Punish:     PunishKick,
		Forgive:    true,
		Hint:       HintNormal,
		PinOnFlood: true,
	}
}

// Normalize resolves mutually exclusive flags with a fixed precedence: manual review beats auto-pass, a disabled hint beats pinning, and unknown values fall back to the defaults.
func (c *GroupConfig) Normalize() {
	switch c.Punish {
	case PunishKick, PunishRestrict, PunishBan:
	default:
		c.Punish = PunishKick
	}
	switch c.Hint {
	case HintNormal, HintOff:
	default:
		c.Hint = HintNormal
	}
	if c.ManualOnly {
		c.AutoPass = false
	}
	if c.Hint == HintOff {
		c.PinOnFlood = false
	}
	if c.Custom != nil && (c.Custom.Question == "" || len(c.Custom.Answers) == 0) {
		c.Custom = nil
	}
}

// FloodState is non-flooded when Start is zero.
type FloodState struct {
	Start int64 `json:"start"`
	Last  int64 `json:"last"`
}

func (f *FloodState) Flooded() bool {
	return f.Start != 0
}

// PinPair holds the previously pinned message (restored or unpinned when the flood ends) and the current flood pin.
type PinPair struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// MessageRegistry tracks the service's own announcement messages in a group. Each slot has a single occupant; the previous occupant is deleted before a slot is replaced.
type MessageRegistry struct {
	Hint    int           `json:"hint"`
	Static  int           `json:"static"`
	Flood   map[int]int64 `json:"flood"`
	Manual  map[int]int64 `json:"manual"`
	Nospam  map[int]int64 `json:"nospam"`
	Service map[int]int64 `json:"service"`
}

func NewMessageRegistry() *MessageRegistry {
	return &MessageRegistry{
		Flood:   make(map[int]int64),
		Manual:  make(map[int]int64),
		Nospam:  make(map[int]int64),
		Service: make(map[int]int64),
	}
}

func (r *MessageRegistry) fill() {
	if r.Flood == nil {
		r.Flood = make(map[int]int64)
	}
	if r.Manual == nil {
		r.Manual = make(map[int]int64)
	}
	if r.Nospam == nil {
		r.Nospam = make(map[int]int64)
	}
	if r.Service == nil {
		r.Service = make(map[int]int64)
	}
}

// WatchKind is the severity a sibling assigned to a watched user.
type WatchKind string

const (
	WatchBan    WatchKind = "ban"
	WatchDelete WatchKind = "delete"
)

type WatchEntry struct {
	Kind  WatchKind `json:"type"`
	Until int64     `json:"until"`
}

// Lists are the identity lists synchronized with sibling services.
type Lists struct {
	Bad    IDSet                `json:"bad"`
	Watch  map[int64]WatchEntry `json:"watch"`
	White  IDSet                `json:"white"`
	Ignore IDSet                `json:"ignore"`
}

func newLists() Lists {
	return Lists{
		Bad:    NewIDSet(),
		Watch:  make(map[int64]WatchEntry),
		White:  NewIDSet(),
		Ignore: NewIDSet(),
	}
}

func (l *Lists) fill() {
	if l.Bad == nil {
		l.Bad = NewIDSet()
	}
	if l.Watch == nil {
		l.Watch = make(map[int64]WatchEntry)
	}
	if l.White == nil {
		l.White = NewIDSet()
	}
	if l.Ignore == nil {
		l.Ignore = NewIDSet()
	}
}

// FailedRecord is a diagnostic entry for a user who failed verification. Records are kept until the next periodic report.
type FailedRecord struct {
	User        int64  `json:"user"`
	Group       int64  `json:"group"`
	HasUsername bool   `json:"has_username"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Bio         string `json:"bio"`
	Reason      string `json:"reason"`
	Time        int64  `json:"time"`
}

// StartSession is a pending custom question setup started by a group admin.
type StartSession struct {
	Group int64 `json:"group"`
	Admin int64 `json:"admin"`
	Until int64 `json:"until"`
}

// InviteCache is the current holding-area invitation link.
type InviteCache struct {
	Link string `json:"link"`
	Time int64  `json:"time"`
}
