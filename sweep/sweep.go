// Package sweep holds the periodic maintenance passes of the verification core: deadline enforcement, flood exit, message cleanup, permission checks, reports and the monthly reset.
//
// Each pass is an exported method so an external scheduler can drive it; Run drives them from tickers inside the daemon.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/bluesky-social/gatekeep/announce"
	"github.com/bluesky-social/gatekeep/engine"
	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/flood"
	"github.com/bluesky-social/gatekeep/notify"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

var tracer = otel.Tracer("sweep")

// Backupper sends an off-site copy of the state. Implemented by federation.Protocol.
type Backupper interface {
	Backup(ctx context.Context) error
}

var _ Backupper = (*federation.Protocol)(nil)

// Schedule is the cadence Run uses. The monthly reset piggybacks on the daily tick.
type Schedule struct {
	Minute     time.Duration
	TenMinutes time.Duration
	Hourly     time.Duration
	Daily      time.Duration
}

func DefaultSchedule() Schedule {
	return Schedule{
		Minute:     time.Minute,
		TenMinutes: 10 * time.Minute,
		Hourly:     time.Hour,
		Daily:      24 * time.Hour,
	}
}

type Sweeper struct {
	Engine    *engine.Engine
	Store     *state.Store
	Transport platform.Transport
	Flood     *flood.Detector
	Backup    Backupper
	Notifier  notify.Notifier
	Logger    *slog.Logger
	// manual and nospam notices older than this are deleted
	NoticeTTL time.Duration

	mu        sync.Mutex
	lastMonth time.Month
}

// NewSweeper shares the engine's store, transport and clock. backup may be nil.
func NewSweeper(eng *engine.Engine, backup Backupper, notifier notify.Notifier, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &Sweeper{
		Engine:    eng,
		Store:     eng.Store,
		Transport: eng.Transport,
		Flood:     eng.Flood,
		Backup:    backup,
		Notifier:  notifier,
		Logger:    logger.With("component", "sweep"),
		NoticeTTL: 10 * time.Minute,
	}
}

func (s *Sweeper) now() int64 {
	return s.Engine.Now().Unix()
}

func secs(d time.Duration) int64 {
	return int64(d / time.Second)
}

type userGroup struct {
	user  int64
	group int64
}

// Minute enforces deadlines and cleans up after groups that calmed down.
func (s *Sweeper) Minute(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Minute")
	defer span.End()

	cfg := s.Engine.Config
	now := s.now()
	var (
		evict    []int64
		timeouts []userGroup
		unbans   []userGroup
	)
	_ = s.Store.Do(func(tx *state.Tx) error {
		for _, u := range tx.Users() {
			if u.InHolding && u.HoldUntil != 0 && u.HoldUntil <= now && len(u.Wait) == 0 {
				evict = append(evict, u.ID)
				u.InHolding = false
				u.HoldUntil = 0
			}
			for _, g := range u.Waiting() {
				if now-u.Wait[g] >= secs(cfg.ChallengeTimeout) {
					timeouts = append(timeouts, userGroup{u.ID, g})
				}
			}
			for g, until := range u.Banned {
				if until != 0 && until <= now {
					delete(u.Banned, g)
					unbans = append(unbans, userGroup{u.ID, g})
				}
			}
		}
		tx.ResetChanged()
		return nil
	}, state.DomainMessage)

	var errs []error
	for _, id := range evict {
		if err := s.Transport.KickUser(ctx, cfg.HoldingArea, id); err != nil && !platform.IsPermanent(err) {
			errs = append(errs, fmt.Errorf("evicting %d from holding area: %w", id, err))
			continue
		}
		sweepActions.WithLabelValues("evict").Inc()
	}
	for _, t := range timeouts {
		ok, err := s.Engine.Timeout(ctx, t.user, t.group)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			sweepActions.WithLabelValues("timeout").Inc()
		}
	}
	for _, b := range unbans {
		if err := s.Transport.UnbanUser(ctx, b.group, b.user); err != nil && !platform.IsPermanent(err) {
			errs = append(errs, fmt.Errorf("lifting ban of %d in %d: %w", b.user, b.group, err))
			continue
		}
		sweepActions.WithLabelValues("unban").Inc()
	}

	errs = append(errs, s.endFloods(ctx, now)...)
	errs = append(errs, s.purgeMessages(ctx, now)...)

	if err := s.Store.SaveDirty(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(evict)+len(timeouts)+len(unbans) > 0 {
		s.Logger.Info("minute sweep", "evicted", len(evict), "timeouts", len(timeouts), "unbanned", len(unbans))
	}
	return errors.Join(errs...)
}

// endFloods takes eligible groups out of flood mode. A sibling audits the remaining waiters before the state is cleared.
func (s *Sweeper) endFloods(ctx context.Context, now int64) []error {
	var calm []int64
	_ = s.Store.Do(func(tx *state.Tx) error {
		for _, g := range tx.FloodGroups() {
			f := tx.Flood(g)
			if f.Flooded() && s.Flood.Eligible(*f, tx.WaitCount(g), now) {
				calm = append(calm, g)
			}
		}
		return nil
	}, state.DomainMessage, state.DomainFlood)

	var errs []error
	for _, g := range calm {
		if err := s.Engine.RequestAudit(ctx, g, "flood-exit"); err != nil {
			s.Logger.Warn("flood exit audit request failed", "group", g, "err", err)
		}
		if err := s.Flood.End(ctx, g); err != nil {
			errs = append(errs, fmt.Errorf("ending flood in %d: %w", g, err))
		}
	}
	return errs
}

// purgeMessages removes hints nobody needs any more, old manual and nospam notices, and queued join-service messages.
func (s *Sweeper) purgeMessages(ctx context.Context, now int64) []error {
	ttl := secs(s.NoticeTTL)
	var groups []int64
	notices := make(map[int64][]int)
	_ = s.Store.Do(func(tx *state.Tx) error {
		groups = tx.RegistryGroups()
		for _, g := range groups {
			reg := tx.Registry(g)
			for id, t := range reg.Manual {
				if now-t >= ttl {
					notices[g] = append(notices[g], id)
					delete(reg.Manual, id)
				}
			}
			for id, t := range reg.Nospam {
				if now-t >= ttl {
					notices[g] = append(notices[g], id)
					delete(reg.Nospam, id)
				}
			}
		}
		return nil
	}, state.DomainMessage)

	var errs []error
	for _, g := range groups {
		purged, err := s.Engine.PurgeStaleHint(ctx, g)
		if err != nil {
			errs = append(errs, fmt.Errorf("purging hint in %d: %w", g, err))
		} else if purged {
			sweepActions.WithLabelValues("hint").Inc()
		}
		if ids := notices[g]; len(ids) > 0 {
			if err := s.Transport.DeleteMessages(ctx, g, ids); err != nil && !platform.IsPermanent(err) {
				errs = append(errs, fmt.Errorf("purging notices in %d: %w", g, err))
			}
		}
		if err := s.Flood.DrainServiceMessages(ctx, g); err != nil {
			errs = append(errs, fmt.Errorf("draining service messages in %d: %w", g, err))
		}
	}
	return errs
}

// TenMinutes lifts orphaned restrictions, evicts idle holding-area members and rotates the invite link when the system is quiet.
func (s *Sweeper) TenMinutes(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "TenMinutes")
	defer span.End()

	cfg := s.Engine.Config
	now := s.now()
	var (
		lift  []userGroup
		idle  []int64
		quiet = true
	)
	_ = s.Store.Do(func(tx *state.Tx) error {
		for _, u := range tx.Users() {
			for _, g := range u.Restricted.Sorted() {
				_, waiting := u.Wait[g]
				punished := u.Failed[g] > 0 && tx.GroupConfig(g).Punish == state.PunishRestrict
				if !tx.Managed(g) || (!waiting && !punished) {
					u.Restricted.Remove(g)
					lift = append(lift, userGroup{u.ID, g})
				}
			}
			if u.InHolding && len(u.Wait) == 0 && u.Challenge == nil && u.HoldUntil == 0 {
				u.InHolding = false
				idle = append(idle, u.ID)
			}
			if len(u.Wait) > 0 {
				quiet = false
			}
		}
		if tx.AnyFlooded() {
			quiet = false
		}
		if quiet && tx.Invite().Link != "" && now-tx.Invite().Time < secs(cfg.InviteInterval) {
			quiet = false
		}
		return nil
	}, state.DomainMessage, state.DomainConfig, state.DomainFlood, state.DomainInvite)

	var errs []error
	for _, l := range lift {
		if err := s.Transport.UnrestrictUser(ctx, l.group, l.user); err != nil && !platform.IsPermanent(err) {
			errs = append(errs, fmt.Errorf("lifting restriction of %d in %d: %w", l.user, l.group, err))
			continue
		}
		sweepActions.WithLabelValues("unrestrict").Inc()
	}
	for _, id := range idle {
		if err := s.Transport.KickUser(ctx, cfg.HoldingArea, id); err != nil && !platform.IsPermanent(err) {
			errs = append(errs, fmt.Errorf("evicting idle %d: %w", id, err))
			continue
		}
		sweepActions.WithLabelValues("evict").Inc()
	}
	if quiet {
		if _, err := s.Engine.RotateInvite(ctx); err != nil {
			errs = append(errs, err)
		} else {
			sweepActions.WithLabelValues("invite").Inc()
		}
	}
	return errors.Join(errs...)
}

// Hourly expires abandoned custom question sessions and config locks nobody committed.
func (s *Sweeper) Hourly(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Hourly")
	defer span.End()

	now := s.now()
	lockTimeout := secs(s.Engine.Config.ConfigLockTimeout)
	var sessions, locks int
	_ = s.Store.Do(func(tx *state.Tx) error {
		for _, k := range tx.StartKeys() {
			if sess := tx.Start(k); sess != nil && sess.Until < now {
				tx.DeleteStart(k)
				sessions++
			}
		}
		for _, g := range tx.Groups() {
			if c := tx.Group(g); c.Lock != 0 && now-c.Lock >= lockTimeout {
				c.Lock = 0
				locks++
			}
		}
		return nil
	}, state.DomainConfig)
	if sessions+locks > 0 {
		s.Logger.Info("hourly sweep", "expired_sessions", sessions, "expired_locks", locks)
	}
	return nil
}

// Daily checks the service's rights in every managed group, refreshes admin lists and scores, reports failures and sends a backup.
func (s *Sweeper) Daily(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Daily")
	defer span.End()

	var groups []int64
	_ = s.Store.Do(func(tx *state.Tx) error {
		groups = tx.Groups()
		return nil
	}, state.DomainConfig)

	var errs []error
	for _, g := range groups {
		kept, err := s.checkPermissions(ctx, g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !kept {
			continue
		}
		if err := s.Engine.RefreshAdmins(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}

	n := s.Engine.RebroadcastScores(ctx)
	s.Logger.Info("rebroadcast scores", "users", n)

	if err := s.report(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.Backup != nil {
		if err := s.Backup.Backup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("backup: %w", err))
		}
	}
	return errors.Join(errs...)
}

// checkPermissions leaves a group the service no longer administers and reports a shortfall of rights once. Returns false when the group was left.
func (s *Sweeper) checkPermissions(ctx context.Context, group int64) (bool, error) {
	perms, err := s.Transport.GroupPermissions(ctx, group)
	if err != nil && !platform.IsPermanent(err) {
		return true, fmt.Errorf("checking permissions in %d: %w", group, err)
	}
	if err != nil || !perms.Present || !perms.Admin {
		if err := s.Engine.LeaveGroup(ctx, group); err != nil {
			return true, err
		}
		sweepActions.WithLabelValues("leave").Inc()
		text := s.render(announce.Leave, announce.Vars{"group": group})
		if err := s.Notifier.Notify(ctx, "left group", text); err != nil {
			s.Logger.Warn("failed to notify", "err", err)
		}
		if s.Engine.Publisher != nil {
			err := s.Engine.Publisher.Publish(ctx, federation.Outbound{
				To:     []string{federation.TagManage},
				Action: "leave",
				Type:   "group",
				Data:   federation.GroupRef{GroupID: group, Reason: "not admin"},
			})
			if err != nil {
				s.Logger.Warn("failed to announce leave", "group", group, "err", err)
			}
		}
		return false, nil
	}

	missing := perms.Missing()
	report := false
	_ = s.Store.Do(func(tx *state.Tx) error {
		c := tx.Group(group)
		if c == nil {
			return nil
		}
		if len(missing) == 0 {
			c.Lacking = false
			return nil
		}
		report = !c.Lacking
		c.Lacking = true
		return nil
	}, state.DomainConfig)
	if !report {
		return true, nil
	}
	sweepActions.WithLabelValues("lacking").Inc()
	text := s.render(announce.Lacking, announce.Vars{"group": group, "missing": missing})
	if _, err := s.Transport.SendAnnouncement(ctx, group, text, 0, nil); err != nil && !platform.IsPermanent(err) {
		s.Logger.Warn("failed to report missing rights", "group", group, "err", err)
	}
	if err := s.Notifier.Notify(ctx, "missing rights", text); err != nil {
		s.Logger.Warn("failed to notify", "err", err)
	}
	return true, nil
}

// report sends the failure diagnostics gathered since the last report, then clears them. Records survive a failed delivery.
func (s *Sweeper) report(ctx context.Context) error {
	var recs []state.FailedRecord
	_ = s.Store.Do(func(tx *state.Tx) error {
		recs = tx.Failed()
		return nil
	}, state.DomainFailed)
	if len(recs) == 0 {
		return nil
	}
	body := s.render(announce.Report, announce.Vars{"records": recs})
	if err := s.Notifier.Notify(ctx, "failed verifications", body); err != nil {
		return fmt.Errorf("sending failure report: %w", err)
	}
	_ = s.Store.Do(func(tx *state.Tx) error {
		tx.ClearFailed()
		return nil
	}, state.DomainFailed)
	return nil
}

func (s *Sweeper) render(name string, vars announce.Vars) string {
	text, err := s.Engine.Renderer.Render(s.Engine.Config.Locale, name, vars)
	if err != nil {
		s.Logger.Error("failed to render report", "template", name, "err", err)
	}
	return text
}

// Monthly releases every outstanding hold, then forgets every tracked user and the bad and watch lists.
func (s *Sweeper) Monthly(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Monthly")
	defer span.End()

	var held []int64
	_ = s.Store.Do(func(tx *state.Tx) error {
		for _, u := range tx.Users() {
			if len(u.Wait) > 0 || len(u.Banned) > 0 || len(u.Restricted) > 0 {
				held = append(held, u.ID)
			}
		}
		return nil
	}, state.DomainMessage)

	var errs []error
	for _, id := range held {
		if err := s.Engine.Release(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.Engine.Wait()

	var users int
	_ = s.Store.Do(func(tx *state.Tx) error {
		users = len(tx.Users())
		tx.ClearUsers()
		l := tx.Lists()
		l.Bad = state.NewIDSet()
		l.Watch = make(map[int64]state.WatchEntry)
		return nil
	}, state.DomainMessage, state.DomainReceive)
	s.Logger.Info("monthly reset", "released", len(held), "users", users)
	if err := s.Store.SaveDirty(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// dailyTick runs Daily, then Monthly when the calendar month changed since the previous tick.
func (s *Sweeper) dailyTick(ctx context.Context) error {
	err := s.Daily(ctx)
	month := s.Engine.Now().UTC().Month()
	s.mu.Lock()
	turned := s.lastMonth != 0 && s.lastMonth != month
	s.lastMonth = month
	s.mu.Unlock()
	if turned {
		err = errors.Join(err, s.Monthly(ctx))
	}
	return err
}

// Run drives the sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, sched Schedule) error {
	s.mu.Lock()
	s.lastMonth = s.Engine.Now().UTC().Month()
	s.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	s.every(ctx, eg, "minute", sched.Minute, s.Minute)
	s.every(ctx, eg, "ten_minutes", sched.TenMinutes, s.TenMinutes)
	s.every(ctx, eg, "hourly", sched.Hourly, s.Hourly)
	s.every(ctx, eg, "daily", sched.Daily, s.dailyTick)
	return eg.Wait()
}

func (s *Sweeper) every(ctx context.Context, eg *errgroup.Group, name string, interval time.Duration, fn func(context.Context) error) {
	eg.Go(func() error {
		s.Logger.Info("starting sweep routine", "sweep", name, "interval", interval)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				s.runOnce(ctx, name, fn)
			}
		}
	})
}

func (s *Sweeper) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			sweepErrors.WithLabelValues(name).Inc()
			s.Logger.Error("sweep exception", "sweep", name, "err", r)
		}
	}()
	if err := fn(ctx); err != nil {
		sweepErrors.WithLabelValues(name).Inc()
		s.Logger.Error("sweep failed", "sweep", name, "err", err)
	}
	sweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
