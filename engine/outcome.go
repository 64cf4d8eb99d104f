package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/gatekeep/announce"
	"github.com/bluesky-social/gatekeep/flagstore"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

type relief struct {
	group      int64
	unban      bool
	unrestrict bool
}

// succeed closes a verification: every waited group is unrestricted, earlier punishments in forgiving groups are reversed, and a single canonical success is recorded for the earliest waited group. Caller holds the user lock.
func (e *Engine) succeed(ctx context.Context, user int64, verdict string) error {
	now := e.now()
	var (
		tracked bool
		waited  []int64
		relieve []relief
		rec     *state.ChallengeRecord
		name    string
		locale  string
		score   float64
	)
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		tracked = true
		waited = u.Waiting()
		for _, g := range waited {
			delete(u.Wait, g)
			u.Restricted.Remove(g)
		}
		if len(waited) > 0 {
			u.MarkSucceeded(waited[0], now)
		}

		forgiving := func(g int64) bool { return tx.GroupConfig(g).Forgive }
		for g, t := range u.Failed {
			if t > 0 && forgiving(g) {
				u.Failed[g] = -t
			}
		}
		acts := make(map[int64]*relief)
		act := func(g int64) *relief {
			if acts[g] == nil {
				acts[g] = &relief{group: g}
			}
			return acts[g]
		}
		for g := range u.Banned {
			if forgiving(g) {
				delete(u.Banned, g)
				act(g).unban = true
			}
		}
		for g := range u.Restricted {
			if forgiving(g) {
				u.Restricted.Remove(g)
				act(g).unrestrict = true
			}
		}
		for _, a := range acts {
			relieve = append(relieve, *a)
		}

		rec = u.Challenge
		u.Challenge = nil
		u.Try, u.Limit = 0, 0
		u.HoldUntil = now + seconds(e.Config.HoldGrace)
		name, locale = u.Name, u.Locale
		score = e.updateScore(u)
		return nil
	}, state.DomainMessage, state.DomainConfig)
	if !tracked {
		return nil
	}

	var errs []error
	for _, g := range waited {
		if err := e.Transport.UnrestrictUser(ctx, g, user); !ignorable(err) {
			errs = append(errs, fmt.Errorf("unrestricting in %d: %w", g, err))
		}
	}
	for _, r := range relieve {
		if r.unban {
			if err := e.Transport.UnbanUser(ctx, r.group, user); !ignorable(err) {
				errs = append(errs, fmt.Errorf("unbanning in %d: %w", r.group, err))
			}
		}
		if r.unrestrict {
			if err := e.Transport.UnrestrictUser(ctx, r.group, user); !ignorable(err) {
				errs = append(errs, fmt.Errorf("unrestricting in %d: %w", r.group, err))
			}
		}
	}
	e.editResult(ctx, rec, e.render(locale, announce.Succeeded, announce.Vars{"name": name}))

	if e.Flags != nil {
		if err := e.Flags.Remove(ctx, flagstore.UserKey(user), []string{flagstore.FlagVerifyFailed}); err != nil {
			e.Logger.Warn("failed to clear user flag", "user", user, "err", err)
		}
	}
	if len(waited) > 0 && verdict == "succeeded" {
		e.counter(ctx, "succeeded", waited[0])
	}
	verdictCount.WithLabelValues(verdict).Inc()
	e.Logger.Info("user released", "user", user, "verdict", verdict, "groups", waited, "forgiven", len(relieve))
	e.broadcastScore(ctx, user, score)
	return errors.Join(errs...)
}

// editResult replaces the challenge message with the verdict.
func (e *Engine) editResult(ctx context.Context, rec *state.ChallengeRecord, text string) {
	if rec == nil || rec.MessageID == 0 || text == "" {
		return
	}
	ref := platform.MessageRef{Group: e.Config.HoldingArea, ID: rec.MessageID}
	e.async(ctx, "challenge-result", func(ctx context.Context) error {
		if err := e.Transport.EditAnnouncement(ctx, ref, text, nil, nil); !ignorable(err) {
			return err
		}
		return nil
	})
}

// Release runs the success path for a user outside of a challenge, lifting waits and forgivable punishments. Used by the monthly reset.
func (e *Engine) Release(ctx context.Context, user int64) (err error) {
	defer e.recoverOp("release", &err, "user", user)
	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()
	return e.succeed(ctx, user, "released")
}

func (e *Engine) fail(ctx context.Context, user int64, reason string) error {
	return e.punish(ctx, user, nil, reason, false)
}

type penalty struct {
	group     int64
	action    state.Punishment
	until     int64
	escalated bool
}

// punish applies each group's punishment, clears the waits and records the failure. A nil groups slice means every waited group. With escalate set, a repeat offense inside the failed window of a forgiving group is banned permanently. Caller holds the user lock.
func (e *Engine) punish(ctx context.Context, user int64, groups []int64, reason string, escalate bool) error {
	now := e.now()
	var (
		penalties []penalty
		rec       *state.ChallengeRecord
		name      string
		locale    string
		score     float64
	)
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		targets := groups
		if targets == nil {
			targets = u.Waiting()
		}
		for _, g := range targets {
			delete(u.Wait, g)
			cfg := tx.GroupConfig(g)
			p := penalty{group: g, action: cfg.Punish}
			if escalate && cfg.Forgive {
				if prev := abs(u.Failed[g]); prev != 0 && now-prev < seconds(e.Config.FailedWindow) {
					p.action = state.PunishBan
					p.escalated = true
				}
			}
			switch p.action {
			case state.PunishBan:
				if !p.escalated && e.Config.BanDuration > 0 {
					p.until = now + seconds(e.Config.BanDuration)
				}
				u.Banned[g] = p.until
				u.Restricted.Remove(g)
			case state.PunishRestrict:
				u.Restricted.Add(g)
			default:
				u.Restricted.Remove(g)
			}
			u.Failed[g] = now
			tx.AddFailed(state.FailedRecord{
				User:        user,
				Group:       g,
				HasUsername: u.Detail.HasUsername,
				FirstName:   u.Detail.FirstName,
				LastName:    u.Detail.LastName,
				Bio:         u.Detail.Bio,
				Reason:      reason,
				Time:        now,
			})
			penalties = append(penalties, p)
		}
		if len(u.Wait) == 0 {
			rec = u.Challenge
			u.Challenge = nil
			u.Try, u.Limit = 0, 0
			if u.InHolding {
				u.HoldUntil = now + seconds(e.Config.HoldGrace)
			}
		}
		name, locale = u.Name, u.Locale
		score = e.updateScore(u)
		return nil
	}, state.DomainMessage, state.DomainConfig, state.DomainFailed)
	if len(penalties) == 0 {
		return nil
	}

	var errs []error
	escalated := false
	for _, p := range penalties {
		var err error
		switch p.action {
		case state.PunishBan:
			err = e.Transport.BanUser(ctx, p.group, user, p.until)
		case state.PunishRestrict:
			err = e.Transport.RestrictUser(ctx, p.group, user)
		default:
			err = e.Transport.KickUser(ctx, p.group, user)
		}
		if !ignorable(err) {
			errs = append(errs, fmt.Errorf("%s in %d: %w", p.action, p.group, err))
		}
		escalated = escalated || p.escalated
		e.counter(ctx, "failed", p.group)
	}

	tpl, verdict := announce.Failed, "failed"
	if reason == "timeout" {
		tpl, verdict = announce.Timeout, "timeout"
	}
	e.editResult(ctx, rec, e.render(locale, tpl, announce.Vars{"name": name}))

	flags := []string{flagstore.FlagVerifyFailed}
	if escalated {
		flags = append(flags, flagstore.FlagEscalated)
		verdict = "escalated"
	}
	if e.Flags != nil {
		if err := e.Flags.Add(ctx, flagstore.UserKey(user), flags); err != nil {
			e.Logger.Warn("failed to flag user", "user", user, "err", err)
		}
	}
	verdictCount.WithLabelValues(verdict).Inc()
	e.Logger.Info("user failed verification", "user", user, "reason", reason, "groups", len(penalties), "escalated", escalated)
	e.broadcastScore(ctx, user, score)
	return errors.Join(errs...)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Timeout punishes a user whose deadline passed in one group. Returns false when the user was not waiting there.
func (e *Engine) Timeout(ctx context.Context, user, group int64) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "Timeout")
	defer span.End()
	defer e.recoverOp("timeout", &err, "user", user, "group", group)

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	waiting := false
	_ = e.Store.Do(func(tx *state.Tx) error {
		if u := tx.User(user); u != nil {
			_, waiting = u.Wait[group]
		}
		return nil
	}, state.DomainMessage)
	if !waiting {
		return false, nil
	}
	return true, e.punish(ctx, user, []int64{group}, "timeout", true)
}

func (e *Engine) requireAdmin(group, admin int64) error {
	var managed, ok bool
	_ = e.Store.Do(func(tx *state.Tx) error {
		ok = tx.IsAdmin(group, admin)
		managed = tx.Managed(group)
		return nil
	}, state.DomainAdmin, state.DomainConfig)
	if !managed {
		return ErrUnmanaged
	}
	if !ok {
		return ErrNotAdmin
	}
	return nil
}

// ManualPass lets an admin vouch for a member: any wait or punishment in the group is lifted and a pass recorded.
func (e *Engine) ManualPass(ctx context.Context, group, admin, user int64) (err error) {
	ctx, span := tracer.Start(ctx, "ManualPass")
	defer span.End()
	defer e.recoverOp("manual-pass", &err, "group", group, "user", user)

	if err := e.requireAdmin(group, admin); err != nil {
		return err
	}
	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	now := e.now()
	var (
		restricted, banned bool
		rec                *state.ChallengeRecord
		name, locale       string
		score              float64
	)
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.EnsureUser(user)
		_, waiting := u.Wait[group]
		restricted = waiting || u.Restricted.Has(group)
		_, banned = u.Banned[group]
		u.MarkPassed(group, now)
		u.Restricted.Remove(group)
		delete(u.Banned, group)
		u.Manual.Add(group)
		if t := u.Failed[group]; t > 0 {
			u.Failed[group] = -t
		}
		if len(u.Wait) == 0 && u.Challenge != nil {
			rec = u.Challenge
			u.Challenge = nil
			u.Try, u.Limit = 0, 0
			u.HoldUntil = now + seconds(e.Config.HoldGrace)
		}
		name, locale = u.Name, u.Locale
		score = e.updateScore(u)
		return nil
	}, state.DomainMessage)

	var errs []error
	if banned {
		if err := e.Transport.UnbanUser(ctx, group, user); !ignorable(err) {
			errs = append(errs, err)
		}
	}
	if restricted {
		if err := e.Transport.UnrestrictUser(ctx, group, user); !ignorable(err) {
			errs = append(errs, err)
		}
	}
	e.editResult(ctx, rec, e.render(locale, announce.Succeeded, announce.Vars{"name": name}))
	e.announceManual(ctx, group, e.render("", announce.ManualPass, announce.Vars{"name": name}))
	if e.Flags != nil {
		if err := e.Flags.Remove(ctx, flagstore.UserKey(user), []string{flagstore.FlagVerifyFailed}); err != nil {
			e.Logger.Warn("failed to clear user flag", "user", user, "err", err)
		}
	}
	verdictCount.WithLabelValues("manual-pass").Inc()
	e.Logger.Info("user passed by admin", "group", group, "admin", admin, "user", user)
	e.broadcastScore(ctx, user, score)
	return errors.Join(errs...)
}

// ManualFail lets an admin remove a member with the group's punishment.
func (e *Engine) ManualFail(ctx context.Context, group, admin, user int64) (err error) {
	ctx, span := tracer.Start(ctx, "ManualFail")
	defer span.End()
	defer e.recoverOp("manual-fail", &err, "group", group, "user", user)

	if err := e.requireAdmin(group, admin); err != nil {
		return err
	}
	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	var name string
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.EnsureUser(user)
		u.Manual.Add(group)
		name = u.Name
		return nil
	}, state.DomainMessage)
	if err := e.punish(ctx, user, []int64{group}, "manual", false); err != nil {
		return err
	}
	if e.Flags != nil {
		if err := e.Flags.Add(ctx, flagstore.UserKey(user), []string{flagstore.FlagManual}); err != nil {
			e.Logger.Warn("failed to flag user", "user", user, "err", err)
		}
	}
	e.announceManual(ctx, group, e.render("", announce.ManualFail, announce.Vars{"name": name}))
	e.Logger.Info("user failed by admin", "group", group, "admin", admin, "user", user)
	return nil
}

// announceManual posts an admin decision to the group and tracks it for cleanup.
func (e *Engine) announceManual(ctx context.Context, group int64, text string) {
	if text == "" {
		return
	}
	e.async(ctx, "manual-notice", func(ctx context.Context) error {
		ref, err := e.Transport.SendAnnouncement(ctx, group, text, 0, nil)
		if err != nil {
			return err
		}
		now := e.now()
		return e.Store.Do(func(tx *state.Tx) error {
			tx.Registry(group).Manual[ref.ID] = now
			return nil
		}, state.DomainMessage)
	})
}
