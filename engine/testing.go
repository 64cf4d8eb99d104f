package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/gatekeep/challenge"
	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

const (
	TestHoldingArea int64 = -1000
	TestGroup       int64 = -100
	TestAdmin       int64 = 1
)

// StaticGenerator always produces the same arithmetic challenge.
type StaticGenerator struct {
	Question string
	Answer   string
	Budget   int
}

func (g StaticGenerator) Generate(ctx context.Context, kind challenge.Kind, locale string) (challenge.Challenge, error) {
	return challenge.Challenge{Kind: challenge.KindMath, Question: g.Question, Answer: g.Answer, Budget: g.Budget}, nil
}

// TestClock is a settable time source.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RecordingPublisher keeps every outbound envelope instead of sending it.
type RecordingPublisher struct {
	mu       sync.Mutex
	Sent     []federation.Outbound
	declared map[[2]int64]bool
}

var _ Publisher = (*RecordingPublisher)(nil)

func (p *RecordingPublisher) Publish(ctx context.Context, out federation.Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Sent = append(p.Sent, out)
	return nil
}

func (p *RecordingPublisher) Broadcast(ctx context.Context, action, typ string, data any) error {
	return p.Publish(ctx, federation.Outbound{To: []string{federation.AnySender}, Action: action, Type: typ, Data: data})
}

func (p *RecordingPublisher) Declared(ctx context.Context, group int64, msgID int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[[2]int64{group, int64(msgID)}] {
		return "SIBLING", true
	}
	return "", false
}

func (p *RecordingPublisher) Declare(ctx context.Context, group int64, msgID int) error {
	return nil
}

// MarkDeclared simulates a sibling claiming a join message.
func (p *RecordingPublisher) MarkDeclared(group int64, msgID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared == nil {
		p.declared = make(map[[2]int64]bool)
	}
	p.declared[[2]int64{group, int64(msgID)}] = true
}

// Outbound returns the recorded envelopes of one action and type.
func (p *RecordingPublisher) Outbound(action, typ string) []federation.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []federation.Outbound
	for _, o := range p.Sent {
		if o.Action == action && o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}

type TestFixture struct {
	Engine    *Engine
	Store     *state.Store
	Transport *platform.MockTransport
	Publisher *RecordingPublisher
	Clock     *TestClock
}

// EngineTestFixture builds an engine over in-memory collaborators. TestGroup is managed with the default policy and TestAdmin as its admin; challenges are always "1 + 1".
func EngineTestFixture() TestFixture {
	store := state.NewStore(nil, slog.Default())
	mt := platform.NewMockTransport()
	cfg := DefaultConfig()
	cfg.HoldingArea = TestHoldingArea
	eng, err := NewEngine(cfg, store, mt, slog.Default())
	if err != nil {
		panic(err)
	}
	clock := &TestClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &RecordingPublisher{}
	eng.Now = clock.Now
	eng.Flood.Now = clock.Now
	eng.Publisher = pub
	eng.Generator = StaticGenerator{Question: "1 + 1", Answer: "2", Budget: 3}
	eng.Pool = challenge.Pool{Default: []challenge.Weighted{{Kind: challenge.KindMath, Weight: 1}}}

	_ = store.Do(func(tx *state.Tx) error {
		tx.SetGroup(TestGroup, state.DefaultGroupConfig())
		tx.SetAdmins(TestGroup, []int64{TestAdmin})
		return nil
	}, state.DomainAdmin, state.DomainConfig)
	return TestFixture{
		Engine:    eng,
		Store:     store,
		Transport: mt,
		Publisher: pub,
		Clock:     clock,
	}
}

// User returns a copy of a user's status, or nil.
func (f TestFixture) User(id int64) *state.UserStatus {
	var out *state.UserStatus
	_ = f.Store.Do(func(tx *state.Tx) error {
		if u := tx.User(id); u != nil {
			cp := *u
			out = &cp
		}
		return nil
	}, state.DomainMessage)
	return out
}

// SetGroup replaces a group's policy.
func (f TestFixture) SetGroup(group int64, fn func(c *state.GroupConfig)) {
	_ = f.Store.Do(func(tx *state.Tx) error {
		c := tx.GroupConfig(group)
		fn(&c)
		tx.SetGroup(group, c)
		return nil
	}, state.DomainConfig)
}
