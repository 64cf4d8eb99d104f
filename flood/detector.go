// Package flood decides when a group enters and leaves flood mode and maintains the single static broadcast shown while it is flooded.
package flood

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

// Decision is the outcome of observing one admission.
type Decision struct {
	// this admission flipped the group into flood mode
	Entered bool
	Flooded bool
}

// SuppressHint reports whether per-user hints must give way to the static broadcast.
func (d Decision) SuppressHint() bool {
	return d.Flooded
}

type Detector struct {
	Config    Config
	Store     *state.Store
	Transport platform.Transport
	Logger    *slog.Logger
	Now       func() time.Time

	// serializes broadcast maintenance per group so concurrent refreshes never send twice
	groupLocks *xsync.MapOf[int64, *sync.Mutex]
}

func NewDetector(cfg Config, store *state.Store, transport platform.Transport, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		Config:     cfg,
		Store:      store,
		Transport:  transport,
		Logger:     logger.With("component", "flood"),
		Now:        time.Now,
		groupLocks: xsync.NewMapOf[int64, *sync.Mutex](),
	}
}

// Observe records an admission. The caller must hold the message and flood domains so that reading the wait count, deciding the transition and writing the flood state happen atomically.
func (d *Detector) Observe(tx *state.Tx, group int64, waitCount int, now int64) Decision {
	f := tx.Flood(group)
	f.Last = now
	if waitCount > d.Config.LimitFlood && !f.Flooded() {
		f.Start = now
		floodEntered.Inc()
		d.Logger.Info("group entered flood mode", "group", group, "waiting", waitCount)
		return Decision{Entered: true, Flooded: true}
	}
	return Decision{Flooded: f.Flooded()}
}

// Eligible reports whether a flooded group may leave flood mode: quiet for three challenge timeouts and the wait list back at or under the limit.
func (d *Detector) Eligible(f state.FloodState, waitCount int, now int64) bool {
	return f.Flooded() && now-f.Last >= d.Config.quiet() && waitCount <= d.Config.LimitFlood
}

func (d *Detector) groupLock(group int64) *sync.Mutex {
	m, _ := d.groupLocks.LoadOrCompute(group, func() *sync.Mutex { return &sync.Mutex{} })
	return m
}

type broadcastView struct {
	flooded bool
	pin     bool
	static  int
	oldPin  int
}

// RefreshBroadcast keeps exactly one static broadcast in a flooded group: an existing one is edited, otherwise a new one is sent and, when the group pins on flood, pinned with the previous pin cleaned up. Runs outside any store lock and re-reads state first; a group that already left flood mode is left alone.
func (d *Detector) RefreshBroadcast(ctx context.Context, group int64, text string, buttons []platform.Button) error {
	mu := d.groupLock(group)
	mu.Lock()
	defer mu.Unlock()

	var v broadcastView
	_ = d.Store.Do(func(tx *state.Tx) error {
		v.flooded = tx.Flood(group).Flooded()
		cfg := tx.GroupConfig(group)
		v.pin = cfg.PinOnFlood && cfg.Hint != state.HintOff
		v.static = tx.Registry(group).Static
		v.oldPin = tx.Pins(group).New
		return nil
	}, state.DomainMessage, state.DomainConfig, state.DomainFlood, state.DomainPin)
	if !v.flooded {
		return nil
	}

	if v.static != 0 {
		err := d.Transport.EditAnnouncement(ctx, platform.MessageRef{Group: group, ID: v.static}, text, nil, buttons)
		if err == nil || !platform.IsPermanent(err) {
			return err
		}
		// the broadcast was deleted out from under us; replace it
		d.Logger.Warn("flood broadcast vanished, sending a new one", "group", group, "message", v.static, "err", err)
	}

	ref, err := d.Transport.SendAnnouncement(ctx, group, text, 0, buttons)
	if err != nil {
		return err
	}
	now := d.Now().Unix()
	var stale []int
	_ = d.Store.Do(func(tx *state.Tx) error {
		reg := tx.Registry(group)
		reg.Static = ref.ID
		for id := range reg.Flood {
			if id != ref.ID {
				stale = append(stale, id)
				delete(reg.Flood, id)
			}
		}
		reg.Flood[ref.ID] = now
		if v.pin {
			p := tx.Pins(group)
			if p.New != 0 && p.New != ref.ID {
				p.Old = p.New
			}
			p.New = ref.ID
		}
		return nil
	}, state.DomainMessage, state.DomainPin)
	floodBroadcasts.Inc()

	if v.pin {
		if err := d.Transport.PinMessage(ctx, ref); err != nil {
			d.Logger.Warn("failed to pin flood broadcast", "group", group, "err", err)
		}
		if v.oldPin != 0 && v.oldPin != ref.ID {
			if err := d.Transport.UnpinMessage(ctx, platform.MessageRef{Group: group, ID: v.oldPin}); err != nil && !platform.IsPermanent(err) {
				d.Logger.Warn("failed to unpin old flood broadcast", "group", group, "err", err)
			}
			_ = d.Store.Do(func(tx *state.Tx) error {
				if p := tx.Pins(group); p.Old == v.oldPin {
					p.Old = 0
				}
				return nil
			}, state.DomainPin)
		}
	}
	if len(stale) > 0 {
		if err := d.Transport.DeleteMessages(ctx, group, stale); err != nil && !platform.IsPermanent(err) {
			return err
		}
	}
	return nil
}

// End leaves flood mode: clears the flood start, unpins the broadcast and deletes every flood broadcast. Callers decide eligibility first.
func (d *Detector) End(ctx context.Context, group int64) error {
	mu := d.groupLock(group)
	mu.Lock()
	defer mu.Unlock()

	var ids []int
	var pins state.PinPair
	_ = d.Store.Do(func(tx *state.Tx) error {
		f := tx.Flood(group)
		if !f.Flooded() {
			return nil
		}
		f.Start = 0
		reg := tx.Registry(group)
		for id := range reg.Flood {
			ids = append(ids, id)
		}
		reg.Flood = make(map[int]int64)
		reg.Static = 0
		p := tx.Pins(group)
		pins = *p
		*p = state.PinPair{}
		return nil
	}, state.DomainMessage, state.DomainFlood, state.DomainPin)

	var errs []error
	for _, id := range []int{pins.New, pins.Old} {
		if id == 0 {
			continue
		}
		if err := d.Transport.UnpinMessage(ctx, platform.MessageRef{Group: group, ID: id}); err != nil && !platform.IsPermanent(err) {
			errs = append(errs, err)
		}
	}
	if len(ids) > 0 {
		if err := d.Transport.DeleteMessages(ctx, group, ids); err != nil && !platform.IsPermanent(err) {
			errs = append(errs, err)
		}
	}
	floodExited.Inc()
	d.Logger.Info("group left flood mode", "group", group)
	return errors.Join(errs...)
}

// DrainServiceMessages deletes the queued join-service messages of a group.
func (d *Detector) DrainServiceMessages(ctx context.Context, group int64) error {
	var ids []int
	_ = d.Store.Do(func(tx *state.Tx) error {
		reg := tx.Registry(group)
		for id := range reg.Service {
			ids = append(ids, id)
		}
		reg.Service = make(map[int]int64)
		return nil
	}, state.DomainMessage)
	if len(ids) == 0 {
		return nil
	}
	err := d.Transport.DeleteMessages(ctx, group, ids)
	if platform.IsPermanent(err) {
		return nil
	}
	return err
}
