package flood

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

const group = int64(-100)

func testDetector() (*Detector, *state.Store, *platform.MockTransport) {
	store := state.NewStore(nil, nil)
	mt := platform.NewMockTransport()
	d := NewDetector(DefaultConfig(), store, mt, nil)
	d.Now = func() time.Time { return time.Unix(5000, 0) }
	return d, store, mt
}

func observe(d *Detector, store *state.Store, waitCount int, now int64) Decision {
	var dec Decision
	_ = store.Do(func(tx *state.Tx) error {
		dec = d.Observe(tx, group, waitCount, now)
		return nil
	}, state.DomainMessage, state.DomainFlood)
	return dec
}

func TestObserveEntersOnceAboveLimit(t *testing.T) {
	assert := assert.New(t)
	d, store, _ := testDetector()

	for n := 1; n <= 10; n++ {
		dec := observe(d, store, n, int64(1000+n))
		assert.False(dec.Flooded, n)
	}
	dec := observe(d, store, 11, 1011)
	assert.True(dec.Entered)
	assert.True(dec.SuppressHint())

	dec = observe(d, store, 12, 1012)
	assert.False(dec.Entered)
	assert.True(dec.Flooded)

	_ = store.Do(func(tx *state.Tx) error {
		f := tx.Flood(group)
		assert.Equal(int64(1011), f.Start)
		assert.Equal(int64(1012), f.Last)
		return nil
	}, state.DomainFlood)
}

func TestEligible(t *testing.T) {
	assert := assert.New(t)
	d, _, _ := testDetector()
	quiet := int64(3 * 5 * 60)
	f := state.FloodState{Start: 100, Last: 1000}

	assert.False(d.Eligible(f, 0, 1000+quiet-1))
	assert.True(d.Eligible(f, 10, 1000+quiet))
	assert.False(d.Eligible(f, 11, 1000+quiet+100))
	assert.False(d.Eligible(state.FloodState{Last: 1}, 0, 1000000))
}

func TestRefreshBroadcastSendsOnceThenEdits(t *testing.T) {
	assert := assert.New(t)
	d, store, mt := testDetector()
	ctx := context.Background()

	// not flooded: nothing happens
	assert.NoError(d.RefreshBroadcast(ctx, group, "flood", nil))
	assert.Empty(mt.Calls())

	observe(d, store, 11, 1000)
	for range 5 {
		assert.NoError(d.RefreshBroadcast(ctx, group, "flood", nil))
	}
	assert.Len(mt.Calls("send"), 1)
	assert.Len(mt.Calls("pin"), 1)
	assert.Len(mt.Calls("edit"), 4)

	var static int
	_ = store.Do(func(tx *state.Tx) error {
		static = tx.Registry(group).Static
		assert.Equal(static, tx.Pins(group).New)
		assert.Len(tx.Registry(group).Flood, 1)
		return nil
	}, state.DomainMessage, state.DomainPin)

	// end clears everything and removes the broadcast
	assert.NoError(d.End(ctx, group))
	assert.Len(mt.Calls("unpin"), 1)
	dels := mt.Calls("delete")
	assert.Len(dels, 1)
	assert.Equal([]int{static}, dels[0].IDs)
	_ = store.Do(func(tx *state.Tx) error {
		assert.False(tx.Flood(group).Flooded())
		assert.Equal(0, tx.Registry(group).Static)
		assert.Equal(state.PinPair{}, *tx.Pins(group))
		return nil
	}, state.DomainMessage, state.DomainFlood, state.DomainPin)
}

func TestRefreshBroadcastEphemeralReplacesVanished(t *testing.T) {
	assert := assert.New(t)
	d, store, mt := testDetector()
	ctx := context.Background()
	_ = store.Do(func(tx *state.Tx) error {
		cfg := state.DefaultGroupConfig()
		cfg.PinOnFlood = false
		tx.SetGroup(group, cfg)
		return nil
	}, state.DomainConfig)

	observe(d, store, 11, 1000)
	assert.NoError(d.RefreshBroadcast(ctx, group, "flood", nil))
	first := mt.Calls("send")[0]

	mt.FailOn("edit", platform.Permanent("editMessageText", "message to edit not found"))
	assert.NoError(d.RefreshBroadcast(ctx, group, "flood", nil))
	assert.Len(mt.Calls("send"), 2)
	assert.Empty(mt.Calls("pin"))

	// the old instance is deleted
	dels := mt.Calls("delete")
	assert.Len(dels, 1)
	assert.Len(dels[0].IDs, 1)
	assert.NotEqual(0, dels[0].IDs[0])
	assert.Equal(first.Group, dels[0].Group)
}

func TestDrainServiceMessages(t *testing.T) {
	assert := assert.New(t)
	d, store, mt := testDetector()
	_ = store.Do(func(tx *state.Tx) error {
		tx.Registry(group).Service[9] = 1
		return nil
	}, state.DomainMessage)

	assert.NoError(d.DrainServiceMessages(context.Background(), group))
	assert.NoError(d.DrainServiceMessages(context.Background(), group))
	dels := mt.Calls("delete")
	assert.Len(dels, 1)
	assert.Equal([]int{9}, dels[0].IDs)
}

func TestConfigValidate(t *testing.T) {
	assert := assert.New(t)
	assert.NoError(DefaultConfig().Validate())
	assert.Error(Config{LimitFlood: 0, ChallengeTimeout: time.Minute}.Validate())
	assert.Error(Config{LimitFlood: 1}.Validate())
}
