package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesky-social/gatekeep/engine"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	err      error
}

func (n *recordingNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return nil
}

type countingBackup struct {
	calls int
}

func (b *countingBackup) Backup(ctx context.Context) error {
	b.calls++
	return nil
}

func testSweeper() (*Sweeper, engine.TestFixture, *recordingNotifier) {
	f := engine.EngineTestFixture()
	n := &recordingNotifier{}
	return NewSweeper(f.Engine, nil, n, nil), f, n
}

func (s *Sweeper) edit(fn func(tx *state.Tx)) {
	_ = s.Store.Do(func(tx *state.Tx) error {
		fn(tx)
		return nil
	}, state.DomainMessage, state.DomainConfig, state.DomainFlood, state.DomainPin, state.DomainFailed, state.DomainReceive, state.DomainInvite)
}

func TestMinuteTimesOutWaiters(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	_, err := f.Engine.Admit(ctx, engine.AdmitRequest{Group: engine.TestGroup, User: 1001, Name: "alice"})
	require.NoError(err)
	f.Engine.Wait()
	require.Len(f.Transport.Calls("send"), 1)

	// not yet due
	f.Clock.Advance(4 * time.Minute)
	require.NoError(s.Minute(ctx))
	assert.Empty(f.Transport.Calls("kick"))

	f.Clock.Advance(time.Minute)
	require.NoError(s.Minute(ctx))
	f.Engine.Wait()

	kicks := f.Transport.Calls("kick")
	require.Len(kicks, 1)
	assert.Equal(engine.TestGroup, kicks[0].Group)
	u := f.User(1001)
	require.NotNil(u)
	assert.Empty(u.Wait)
	assert.Positive(u.Failed[engine.TestGroup])

	// the hint outlived its last waiter
	var deleted []int
	for _, c := range f.Transport.Calls("delete") {
		deleted = append(deleted, c.IDs...)
	}
	assert.Contains(deleted, 102)
}

func TestMinuteLiftsExpiredBans(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	now := f.Clock.Now().Unix()
	s.edit(func(tx *state.Tx) {
		u := tx.EnsureUser(1001)
		u.Banned[engine.TestGroup] = now - 1
		u.Banned[-200] = 0
		u.Banned[-300] = now + 3600
	})
	require.NoError(s.Minute(ctx))

	unbans := f.Transport.Calls("unban")
	require.Len(unbans, 1)
	assert.Equal(engine.TestGroup, unbans[0].Group)
	u := f.User(1001)
	assert.NotContains(u.Banned, engine.TestGroup)
	assert.Contains(u.Banned, int64(-200))
	assert.Contains(u.Banned, int64(-300))
}

func TestMinuteEvictsFromHoldingArea(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	now := f.Clock.Now().Unix()
	s.edit(func(tx *state.Tx) {
		done := tx.EnsureUser(1001)
		done.InHolding = true
		done.HoldUntil = now - 1
		grace := tx.EnsureUser(1002)
		grace.InHolding = true
		grace.HoldUntil = now + 30
		tx.MarkChanged(1002)
	})
	require.NoError(s.Minute(ctx))

	kicks := f.Transport.Calls("kick")
	require.Len(kicks, 1)
	assert.Equal(engine.TestHoldingArea, kicks[0].Group)
	assert.Equal(int64(1001), kicks[0].User)
	assert.False(f.User(1001).InHolding)
	assert.True(f.User(1002).InHolding)

	_ = s.Store.Do(func(tx *state.Tx) error {
		assert.False(tx.Changed(1002))
		return nil
	}, state.DomainMessage)
}

func TestMinuteEndsFlood(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	now := f.Clock.Now().Unix()
	s.edit(func(tx *state.Tx) {
		fs := tx.Flood(engine.TestGroup)
		fs.Start, fs.Last = now, now
		tx.Pins(engine.TestGroup).New = 77
		tx.Registry(engine.TestGroup).Flood[78] = now
	})

	f.Clock.Advance(14 * time.Minute)
	require.NoError(s.Minute(ctx))
	assert.Empty(f.Publisher.Outbound("request", "check"))

	f.Clock.Advance(time.Minute)
	require.NoError(s.Minute(ctx))

	audits := f.Publisher.Outbound("request", "check")
	require.Len(audits, 1)
	unpins := f.Transport.Calls("unpin")
	require.Len(unpins, 1)
	assert.Equal([]int{77}, unpins[0].IDs)
	_ = s.Store.Do(func(tx *state.Tx) error {
		assert.False(tx.Flood(engine.TestGroup).Flooded())
		assert.Empty(tx.Registry(engine.TestGroup).Flood)
		return nil
	}, state.DomainMessage, state.DomainFlood)
}

func TestMinutePurgesOldNotices(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	now := f.Clock.Now().Unix()
	s.edit(func(tx *state.Tx) {
		reg := tx.Registry(engine.TestGroup)
		reg.Manual[300] = now - 11*60
		reg.Manual[301] = now
		reg.Nospam[302] = now - 11*60
		reg.Service[303] = now
	})
	require.NoError(s.Minute(ctx))

	var deleted []int
	for _, c := range f.Transport.Calls("delete") {
		deleted = append(deleted, c.IDs...)
	}
	assert.ElementsMatch([]int{300, 302, 303}, deleted)
}

func TestTenMinutesLiftsOrphanedRestrictions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	_, err := f.Engine.Admit(ctx, engine.AdmitRequest{Group: engine.TestGroup, User: 1001, Name: "alice"})
	require.NoError(err)
	f.Engine.Wait()
	invites := len(f.Transport.Calls("invite"))

	s.edit(func(tx *state.Tx) {
		u := tx.EnsureUser(1002)
		u.Restricted.Add(engine.TestGroup)
		u.Restricted.Add(-999)
		idle := tx.EnsureUser(1003)
		idle.InHolding = true
	})
	require.NoError(s.TenMinutes(ctx))

	lifted := f.Transport.Calls("unrestrict")
	require.Len(lifted, 2)
	for _, c := range lifted {
		assert.Equal(int64(1002), c.User)
	}
	assert.True(f.User(1001).Restricted.Has(engine.TestGroup))
	assert.Empty(f.User(1002).Restricted)

	kicks := f.Transport.Calls("kick")
	require.Len(kicks, 1)
	assert.Equal(int64(1003), kicks[0].User)
	assert.Equal(engine.TestHoldingArea, kicks[0].Group)

	// someone is waiting: the link stays
	assert.Len(f.Transport.Calls("invite"), invites)
}

func TestTenMinutesRotatesInvite(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	require.NoError(s.TenMinutes(ctx))
	assert.Len(f.Transport.Calls("invite"), 1)

	f.Clock.Advance(time.Hour)
	require.NoError(s.TenMinutes(ctx))
	assert.Len(f.Transport.Calls("invite"), 1)

	f.Clock.Advance(6 * time.Hour)
	require.NoError(s.TenMinutes(ctx))
	assert.Len(f.Transport.Calls("invite"), 2)

	// never while a group is flooded
	now := f.Clock.Now().Unix()
	s.edit(func(tx *state.Tx) { tx.Flood(engine.TestGroup).Start = now })
	f.Clock.Advance(7 * time.Hour)
	require.NoError(s.TenMinutes(ctx))
	assert.Len(f.Transport.Calls("invite"), 2)
}

func TestHourlyExpiresSessionsAndLocks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	now := f.Clock.Now().Unix()
	s.edit(func(tx *state.Tx) {
		tx.SetStart("1", state.StartSession{Group: engine.TestGroup, Admin: 1, Until: now - 1})
		tx.SetStart("2", state.StartSession{Group: engine.TestGroup, Admin: 2, Until: now + 60})
		tx.Group(engine.TestGroup).Lock = now - 16*60
	})
	require.NoError(s.Hourly(ctx))

	_ = s.Store.Do(func(tx *state.Tx) error {
		assert.Equal([]string{"2"}, tx.StartKeys())
		assert.Zero(tx.Group(engine.TestGroup).Lock)
		return nil
	}, state.DomainConfig)
}

func TestDailyLeavesWithoutAdmin(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, n := testSweeper()

	f.Transport.Perms[engine.TestGroup] = platform.Permissions{Present: true}
	require.NoError(s.Daily(ctx))

	assert.Len(f.Transport.Calls("leave"), 1)
	assert.Len(f.Publisher.Outbound("leave", "group"), 1)
	assert.Contains(n.subjects, "left group")
	_ = s.Store.Do(func(tx *state.Tx) error {
		assert.False(tx.Managed(engine.TestGroup))
		return nil
	}, state.DomainConfig)
}

func TestDailyReportsLackingOnce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	f.Transport.Perms[engine.TestGroup] = platform.Permissions{Present: true, Admin: true, CanDelete: true, CanRestrict: true, CanInvite: true}
	require.NoError(s.Daily(ctx))
	require.NoError(s.Daily(ctx))

	sends := f.Transport.Calls("send")
	require.Len(sends, 1)
	assert.Contains(sends[0].Text, "pin")
	assert.Empty(f.Transport.Calls("leave"))

	lacking := func() (v bool) {
		_ = s.Store.Do(func(tx *state.Tx) error {
			v = tx.Group(engine.TestGroup).Lacking
			return nil
		}, state.DomainConfig)
		return v
	}
	assert.True(lacking())

	delete(f.Transport.Perms, engine.TestGroup)
	require.NoError(s.Daily(ctx))
	assert.False(lacking())
}

func TestDailyFailureReport(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, n := testSweeper()
	b := &countingBackup{}
	s.Backup = b

	s.edit(func(tx *state.Tx) {
		tx.AddFailed(state.FailedRecord{User: 1001, Group: engine.TestGroup, Reason: "timeout", FirstName: "Mallory"})
	})

	n.err = errors.New("webhook down")
	assert.Error(s.Daily(ctx))
	n.err = nil

	require.NoError(s.Daily(ctx))
	require.Len(n.bodies, 1)
	assert.Contains(n.bodies[0], "user 1001")
	assert.Contains(n.bodies[0], "Mallory")
	assert.Equal(2, b.calls)

	_ = s.Store.Do(func(tx *state.Tx) error {
		assert.Empty(tx.Failed())
		return nil
	}, state.DomainFailed)
	assert.Len(f.Transport.Calls("permissions"), 2)
}

func TestMonthlyReset(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	_, err := f.Engine.Admit(ctx, engine.AdmitRequest{Group: engine.TestGroup, User: 1001, Name: "alice"})
	require.NoError(err)
	f.Engine.Wait()
	s.edit(func(tx *state.Tx) {
		tx.EnsureUser(1002)
		l := tx.Lists()
		l.Bad.Add(5)
		l.Watch[6] = state.WatchEntry{Kind: state.WatchBan}
		l.White.Add(7)
	})

	require.NoError(s.Monthly(ctx))

	unrestricts := f.Transport.Calls("unrestrict")
	require.Len(unrestricts, 1)
	assert.Equal(int64(1001), unrestricts[0].User)
	assert.Nil(f.User(1001))
	assert.Nil(f.User(1002))
	_ = s.Store.Do(func(tx *state.Tx) error {
		l := tx.Lists()
		assert.Empty(l.Bad)
		assert.Empty(l.Watch)
		assert.True(l.White.Has(7))
		return nil
	}, state.DomainReceive)
}

func TestDailyTickRunsMonthlyOnMonthChange(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s, f, _ := testSweeper()

	s.lastMonth = f.Clock.Now().UTC().Month()
	s.edit(func(tx *state.Tx) { tx.EnsureUser(1001) })

	require.NoError(s.dailyTick(ctx))
	assert.NotNil(f.User(1001))

	f.Clock.Advance(31 * 24 * time.Hour)
	require.NoError(s.dailyTick(ctx))
	assert.Nil(f.User(1001))
}
