package federation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesky-social/gatekeep/cachestore"
	"github.com/bluesky-social/gatekeep/state"
)

type recordingHooks struct {
	commits []state.GroupConfig
	panels  []string
	leaves  []int64
	helps   []int64
	rules   int
}

func (h *recordingHooks) CommitConfig(ctx context.Context, group int64, cfg state.GroupConfig) error {
	h.commits = append(h.commits, cfg)
	return nil
}

func (h *recordingHooks) ConfigPanel(ctx context.Context, group, admin int64, link string) error {
	h.panels = append(h.panels, link)
	return nil
}

func (h *recordingHooks) LeaveGroup(ctx context.Context, group int64) error {
	h.leaves = append(h.leaves, group)
	return nil
}

func (h *recordingHooks) HelpCaptcha(ctx context.Context, group, user int64, name string) error {
	h.helps = append(h.helps, user)
	return nil
}

func (h *recordingHooks) RulesChanged(ctx context.Context) {
	h.rules++
}

func testProtocol(t *testing.T) (*Protocol, *MemHub, *recordingHooks) {
	hub := NewMemHub()
	cfg := DefaultConfig()
	cfg.Secret = []byte("federation test secret")
	cfg.TempDir = t.TempDir()
	cfg.HelpLimit = 2
	p, err := NewProtocol(cfg, hub.Channel("exchange"), hub.Channel("hide"), state.NewStore(nil, nil), cachestore.NewMemCacheStore(100, time.Hour), nil)
	require.NoError(t, err)
	hooks := &recordingHooks{}
	p.Hooks = hooks
	return p, hub, hooks
}

func envelope(t *testing.T, from string, to []string, action, typ string, data any) Message {
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	text, err := Envelope{From: from, To: to, Action: action, Type: typ, Data: raw}.Encode()
	require.NoError(t, err)
	return Message{Text: text}
}

func snapshotAll(t *testing.T, s *state.Store) map[state.Category]string {
	out := map[state.Category]string{}
	for _, c := range state.Categories {
		b, err := s.Snapshot(c)
		require.NoError(t, err)
		out[c] = string(b)
	}
	return out
}

func TestPublishExcludesSelf(t *testing.T) {
	assert := assert.New(t)
	p, hub, _ := testProtocol(t)
	ctx := context.Background()

	assert.NoError(p.Publish(ctx, Outbound{To: []string{TagCaptcha}, Action: "update", Type: "score"}))
	assert.NoError(p.Publish(ctx, Outbound{To: nil, Action: "update", Type: "score"}))
	assert.Empty(hub.Sent("exchange"))

	assert.NoError(p.Publish(ctx, Outbound{To: []string{TagCaptcha, TagManage, TagManage}, Action: "update", Type: "score", Data: ScoreUpdate{ID: 1, Score: 0.6}}))
	sent := hub.Sent("exchange")
	require.Len(t, sent, 1)
	env, err := ParseEnvelope(sent[0].Text)
	require.NoError(t, err)
	assert.Equal(TagCaptcha, env.From)
	assert.Equal([]string{TagManage}, env.To)
	assert.JSONEq(`{"id":1,"score":0.6}`, string(env.Data))
}

func TestPublishFallbackIsOneWay(t *testing.T) {
	assert := assert.New(t)
	p, hub, _ := testProtocol(t)
	ctx := context.Background()

	hub.SetDown("exchange", true)
	assert.NoError(p.Broadcast(ctx, "update", "score", ScoreUpdate{ID: 1}))
	assert.True(p.Hidden())
	assert.Empty(hub.Sent("exchange"))
	assert.Len(hub.Sent("hide"), 1)

	// primary recovers, but publishing stays on the fallback
	hub.SetDown("exchange", false)
	assert.NoError(p.Broadcast(ctx, "update", "score", ScoreUpdate{ID: 2}))
	assert.Empty(hub.Sent("exchange"))
	assert.Len(hub.Sent("hide"), 2)

	// fallback failure while hidden is returned without switching back
	hub.SetDown("hide", true)
	assert.Error(p.Broadcast(ctx, "update", "score", ScoreUpdate{ID: 3}))
	assert.True(p.Hidden())

	// only the emergency directive restores the primary
	hub.SetDown("hide", false)
	assert.True(p.Receive(ctx, envelope(t, TagManage, nil, "emergency", "hide", false)))
	assert.False(p.Hidden())
	assert.NoError(p.Broadcast(ctx, "update", "score", ScoreUpdate{ID: 4}))
	assert.Len(hub.Sent("exchange"), 1)
}

// barrierChannel fails every send, but only once all parties have arrived.
type barrierChannel struct {
	arrived sync.WaitGroup
}

func (c *barrierChannel) Name() string {
	return "exchange"
}

func (c *barrierChannel) Send(ctx context.Context, msg Message) error {
	c.arrived.Done()
	c.arrived.Wait()
	return ErrChannelDown
}

func TestPublishConcurrentPrimaryFailures(t *testing.T) {
	assert := assert.New(t)
	hub := NewMemHub()
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	primary := &barrierChannel{}
	primary.arrived.Add(2)
	p, err := NewProtocol(cfg, primary, hub.Channel("hide"), state.NewStore(nil, nil), cachestore.NewMemCacheStore(100, time.Hour), nil)
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Broadcast(context.Background(), "update", "score", ScoreUpdate{ID: int64(i + 1)})
		}()
	}
	wg.Wait()

	assert.NoError(errs[0])
	assert.NoError(errs[1])
	assert.True(p.Hidden())
	assert.Len(hub.Sent("hide"), 2)
}

func TestPublishSealedFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	p, hub, _ := testProtocol(t)

	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(os.WriteFile(path, []byte(`{"1":{}}`), 0o600))

	require.NoError(p.Publish(context.Background(), Outbound{To: []string{TagManage}, Action: "backup", Type: "state", File: path, Encrypt: true}))
	_, err := os.Stat(path)
	assert.ErrorIs(err, os.ErrNotExist)
	_, err = os.Stat(path + ".sealed")
	assert.ErrorIs(err, os.ErrNotExist)

	sent := hub.Sent("exchange")
	require.Len(sent, 1)
	assert.True(sent[0].Encrypted)
	assert.Equal("users.json", sent[0].FileName)
	pt, err := Open(p.Config.Secret, sent[0].FileName, sent[0].File)
	require.NoError(err)
	assert.Equal(`{"1":{}}`, string(pt))

	_, err = Open([]byte("wrong"), sent[0].FileName, sent[0].File)
	assert.Error(err)
}

func TestPublishRemovesFileOnFailure(t *testing.T) {
	p, hub, _ := testProtocol(t)
	hub.SetDown("exchange", true)
	hub.SetDown("hide", true)
	path := filepath.Join(t.TempDir(), "x.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	assert.Error(t, p.Publish(context.Background(), Outbound{To: []string{TagManage}, Action: "backup", Type: "state", File: path, Encrypt: true}))
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(path + ".sealed")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReceiveUnaddressedIsNoop(t *testing.T) {
	assert := assert.New(t)
	p, _, _ := testProtocol(t)
	ctx := context.Background()
	before := snapshotAll(t, p.Store)

	assert.False(p.Receive(ctx, envelope(t, TagManage, []string{TagNospam}, "add", "bad", UserRef{ID: 9})))
	assert.False(p.Receive(ctx, Message{Text: "not json"}))
	assert.False(p.Receive(ctx, Message{Text: `{"from":"MANAGE","to":["CAPTCHA"]}`}))
	assert.False(p.Receive(ctx, envelope(t, TagManage, []string{TagCaptcha}, "dance", "bad", nil)))
	// routed to CONFIG only
	assert.False(p.Receive(ctx, envelope(t, TagNospam, []string{TagCaptcha}, "commit", "config", ConfigCommit{GroupID: 1})))

	assert.Equal(before, snapshotAll(t, p.Store))

	// unaddressed emergency hide is honored
	assert.True(p.Receive(ctx, envelope(t, TagManage, []string{TagNospam}, "emergency", "hide", true)))
	assert.True(p.Hidden())
}

func TestHandlersAreIdempotent(t *testing.T) {
	p, _, hooks := testProtocol(t)
	ctx := context.Background()
	to := []string{TagCaptcha}
	msgs := []Message{
		envelope(t, TagManage, to, "add", "bad", UserRef{ID: 9}),
		envelope(t, TagRegex, to, "update", "regex", RuleUpdate{Name: "nm", Rules: []string{"spam", "[0o]##map=o"}}),
		envelope(t, TagNospam, to, "add", "watch", WatchAdd{ID: 5, Kind: state.WatchBan, Until: 99}),
		envelope(t, TagNospam, to, "remove", "watch", UserRef{ID: 6}),
		envelope(t, TagUser, to, "update", "white", []int64{3, 4}),
		envelope(t, TagUser, to, "update", "ignore", []int64{7}),
		envelope(t, TagWarn, to, "declare", "message", MessageDeclare{GroupID: -100, MessageID: 8}),
	}
	for _, m := range msgs {
		assert.True(t, p.Receive(ctx, m), m.Text)
	}
	once := snapshotAll(t, p.Store)
	assert.Equal(t, 1, hooks.rules)

	for _, m := range msgs {
		assert.True(t, p.Receive(ctx, m), m.Text)
	}
	assert.Equal(t, once, snapshotAll(t, p.Store))
	assert.Equal(t, 1, hooks.rules)

	_ = p.Store.Do(func(tx *state.Tx) error {
		l := tx.Lists()
		assert.True(t, l.Bad.Has(9))
		assert.Equal(t, state.WatchEntry{Kind: state.WatchBan, Until: 99}, l.Watch[5])
		assert.Equal(t, []int64{3, 4}, l.White.Sorted())
		assert.Equal(t, []int64{7}, l.Ignore.Sorted())
		return nil
	}, state.DomainReceive)
	_ = p.Store.Do(func(tx *state.Tx) error {
		assert.Equal(t, []string{"[0o]##map=o", "spam"}, tx.Rules("nm"))
		assert.Equal(t, map[rune]rune{'0': 'o'}, tx.Substitutions())
		return nil
	}, state.DomainRegex)

	who, ok := p.Declared(ctx, -100, 8)
	assert.True(t, ok)
	assert.Equal(t, TagWarn, who)
	// a later claim by another sibling does not replace the first
	assert.True(t, p.Receive(ctx, envelope(t, TagNospam, to, "declare", "message", MessageDeclare{GroupID: -100, MessageID: 8})))
	who, _ = p.Declared(ctx, -100, 8)
	assert.Equal(t, TagWarn, who)
}

func TestRegexUpdateRemovesRules(t *testing.T) {
	p, _, _ := testProtocol(t)
	ctx := context.Background()
	to := []string{TagCaptcha}
	assert.True(t, p.Receive(ctx, envelope(t, TagRegex, to, "update", "regex", RuleUpdate{Name: "nm", Rules: []string{"a", "b"}})))
	assert.True(t, p.Receive(ctx, envelope(t, TagRegex, to, "update", "regex", RuleUpdate{Name: "nm", Rules: []string{"b", "c"}})))
	assert.False(t, p.Receive(ctx, envelope(t, TagRegex, to, "update", "regex", RuleUpdate{Name: "nm", Rules: []string{"("}})))
	_ = p.Store.Do(func(tx *state.Tx) error {
		assert.Equal(t, []string{"b", "c"}, tx.Rules("nm"))
		return nil
	}, state.DomainRegex)
}

func TestScoreOnlyForTrackedUsers(t *testing.T) {
	p, _, _ := testProtocol(t)
	ctx := context.Background()
	_ = p.Store.Do(func(tx *state.Tx) error {
		tx.EnsureUser(1)
		return nil
	}, state.DomainMessage)

	assert.True(t, p.Receive(ctx, envelope(t, TagNospam, []string{TagCaptcha}, "update", "score", ScoreUpdate{ID: 1, Score: 1.5})))
	assert.True(t, p.Receive(ctx, envelope(t, TagNospam, []string{TagCaptcha}, "update", "score", ScoreUpdate{ID: 2, Score: 1.5})))
	_ = p.Store.Do(func(tx *state.Tx) error {
		assert.Equal(t, 1.5, tx.User(1).Score[TagNospam])
		assert.Nil(t, tx.User(2))
		return nil
	}, state.DomainMessage)
}

func TestConfigRoutes(t *testing.T) {
	assert := assert.New(t)
	p, hub, hooks := testProtocol(t)
	ctx := context.Background()
	to := []string{TagCaptcha}

	cfg := state.DefaultGroupConfig()
	cfg.Punish = state.PunishBan
	assert.True(p.Receive(ctx, envelope(t, TagConfig, to, "commit", "config", ConfigCommit{GroupID: -100, Config: cfg})))
	assert.Equal([]state.GroupConfig{cfg}, hooks.commits)

	assert.True(p.Receive(ctx, envelope(t, TagConfig, to, "reply", "config", ConfigReply{GroupID: -100, UserID: 5, Link: "https://cfg.example/x"})))
	assert.Equal([]string{"https://cfg.example/x"}, hooks.panels)

	// show for an unmanaged group fails; for a managed one it answers CONFIG
	assert.False(p.Receive(ctx, envelope(t, TagConfig, to, "show", "config", ConfigRequest{GroupID: -100, UserID: 5})))
	_ = p.Store.Do(func(tx *state.Tx) error {
		tx.SetGroup(-100, cfg)
		return nil
	}, state.DomainConfig)
	assert.True(p.Receive(ctx, envelope(t, TagConfig, to, "show", "config", ConfigRequest{GroupID: -100, UserID: 5})))
	sent := hub.Sent("exchange")
	require.Len(t, sent, 1)
	env, _ := ParseEnvelope(sent[0].Text)
	assert.Equal([]string{TagConfig}, env.To)
	assert.Equal("answer", env.Action)

	assert.True(p.Receive(ctx, envelope(t, TagManage, to, "approve", "leave", GroupRef{GroupID: -100})))
	assert.Equal([]int64{-100}, hooks.leaves)
}

func TestHelpCaptchaRateLimited(t *testing.T) {
	p, _, hooks := testProtocol(t)
	ctx := context.Background()
	to := []string{TagCaptcha}
	for i := range 4 {
		p.Receive(ctx, envelope(t, TagNospam, to, "help", "captcha", HelpRequest{GroupID: -100, UserID: int64(i + 1)}))
	}
	assert.Equal(t, []int64{1, 2}, hooks.helps)
	assert.False(t, p.Receive(ctx, envelope(t, TagNospam, to, "help", "captcha", HelpRequest{GroupID: -100})))
}

func TestRollbackFromSealedSnapshot(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	p, _, _ := testProtocol(t)
	ctx := context.Background()

	src := state.NewStore(nil, nil)
	_ = src.Do(func(tx *state.Tx) error {
		tx.Lists().Bad.Add(77)
		return nil
	}, state.DomainReceive)
	raw, err := src.Snapshot(state.CategoryLists)
	require.NoError(err)
	sealed, err := Seal(p.Config.Secret, "lists.json", raw)
	require.NoError(err)

	msg := envelope(t, TagManage, []string{TagCaptcha}, "rollback", "state", SnapshotRef{Category: "lists"})
	msg.File, msg.FileName, msg.Encrypted = sealed, "lists.json", true
	assert.True(p.Receive(ctx, msg))
	assert.True(p.Receive(ctx, msg))
	_ = p.Store.Do(func(tx *state.Tx) error {
		assert.True(tx.Lists().Bad.Has(77))
		return nil
	}, state.DomainReceive)

	msg.FileName = "other.json"
	assert.False(p.Receive(ctx, msg))
}

func TestBackup(t *testing.T) {
	require := require.New(t)
	p, hub, _ := testProtocol(t)
	require.NoError(p.Backup(context.Background()))
	sent := hub.Sent("exchange")
	require.Len(sent, 1)
	pt, err := Open(p.Config.Secret, sent[0].FileName, sent[0].File)
	require.NoError(err)
	var all map[string]json.RawMessage
	require.NoError(json.Unmarshal(pt, &all))
	require.Len(all, len(state.Categories))
	entries, err := os.ReadDir(p.Config.TempDir)
	require.NoError(err)
	require.Empty(entries)
}

func TestServeDeliversInbound(t *testing.T) {
	p, hub, _ := testProtocol(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	sender := hub.Channel("hide")
	msg := envelope(t, TagManage, []string{TagCaptcha}, "add", "bad", UserRef{ID: 31})
	assert.Eventually(t, func() bool {
		_ = sender.Send(context.Background(), msg)
		has := false
		_ = p.Store.Do(func(tx *state.Tx) error {
			has = tx.Lists().Bad.Has(31)
			return nil
		}, state.DomainReceive)
		return has
	}, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
