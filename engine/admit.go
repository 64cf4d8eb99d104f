package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bluesky-social/gatekeep/announce"
	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/flood"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/setstore"
	"github.com/bluesky-social/gatekeep/state"
)

type Outcome int

const (
	// not handled: unmanaged group, sibling-declared join, or manual-only group
	OutcomeIgnored Outcome = iota
	// exempt from verification
	OutcomePassed
	OutcomeWaiting
	// waiting, and the group is in flood mode
	OutcomeFlooded
	// punished at once (bad list or name rule)
	OutcomeFailed
)

var outcomeNames = [...]string{"ignored", "passed", "waiting", "flooded", "failed"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

type AdmitRequest struct {
	Group  int64
	User   int64
	Name   string
	Locale string
	Detail state.UserDetail
	// join-service message that announced the member, 0 when unknown
	Origin int
	// admin who asked for verification by hand
	ManualAdmin int64
	// verification requested by a sibling service
	Manual bool
}

func (r AdmitRequest) manual() bool {
	return r.Manual || r.ManualAdmin != 0
}

type admissionView struct {
	managed    bool
	cfg        state.GroupConfig
	privileged bool
	// white or ignore list
	listed  bool
	bad     bool
	waiting bool
	// passed or succeeded in this group within the recheck window
	recent   bool
	autoPass bool
}

func (e *Engine) viewAdmission(req AdmitRequest, now int64) admissionView {
	var v admissionView
	_ = e.Store.Do(func(tx *state.Tx) error {
		v.managed = tx.Managed(req.Group)
		if !v.managed {
			return nil
		}
		v.cfg = tx.GroupConfig(req.Group)
		v.privileged = tx.IsAdmin(req.Group, req.User)
		lists := tx.Lists()
		v.listed = lists.White.Has(req.User) || lists.Ignore.Has(req.User)
		v.bad = lists.Bad.Has(req.User)
		u := tx.User(req.User)
		if u == nil {
			return nil
		}
		_, v.waiting = u.Wait[req.Group]
		recheck := seconds(e.Config.RecheckWindow)
		if t, ok := u.Pass[req.Group]; ok && now-t < recheck {
			v.recent = true
		}
		if t, ok := u.Succeeded[req.Group]; ok && now-t < recheck {
			v.recent = true
		}
		if v.cfg.AutoPass {
			grace := seconds(e.Config.AutoPassGrace)
			for _, t := range u.Succeeded {
				if now-t < grace {
					v.autoPass = true
					break
				}
			}
		}
		return nil
	}, state.DomainMessage, state.DomainAdmin, state.DomainConfig, state.DomainReceive)
	return v
}

func (e *Engine) inSet(ctx context.Context, name string, id int64) bool {
	if e.Sets == nil {
		return false
	}
	ok, err := e.Sets.InSet(ctx, name, strconv.FormatInt(id, 10))
	if err != nil {
		e.Logger.Warn("set lookup failed", "set", name, "err", err)
		return false
	}
	return ok
}

// Admit handles a member joining (or being sent back to verification in) a managed group.
//
// Exempt members pass through with a welcome. Everyone else is restricted, enrolled in the group's wait list and announced, either with a hint or, once the group floods, through the single static broadcast. Admission is all-or-nothing: if the hint cannot be sent the restriction and enrollment are undone.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "Admit")
	defer span.End()
	defer e.recoverOp("admit", &err, "group", req.Group, "user", req.User)
	start := time.Now()
	defer func() {
		admitDuration.Observe(time.Since(start).Seconds())
		admitCount.WithLabelValues(out.String()).Inc()
	}()
	logger := e.Logger.With("group", req.Group, "user", req.User)

	if req.Origin != 0 && e.Publisher != nil {
		if by, ok := e.Publisher.Declared(ctx, req.Group, req.Origin); ok {
			logger.Debug("join already handled by a sibling", "sibling", by)
			return OutcomeIgnored, nil
		}
	}

	mu := e.userLock(req.User)
	mu.Lock()
	defer mu.Unlock()

	now := e.now()
	v := e.viewAdmission(req, now)
	if !v.managed || e.inSet(ctx, setstore.SetExemptGroups, req.Group) {
		return OutcomeIgnored, nil
	}
	if v.privileged {
		return OutcomePassed, nil
	}
	if !req.manual() {
		if v.cfg.ManualOnly {
			return OutcomeIgnored, nil
		}
		if v.listed || v.recent || v.autoPass || e.inSet(ctx, setstore.SetTrustedUsers, req.User) {
			e.passThrough(ctx, req, v.autoPass)
			return OutcomePassed, nil
		}
	}
	if v.waiting {
		return OutcomeWaiting, nil
	}

	reason := ""
	if v.bad {
		reason = "bad list"
	} else if rule, ok := e.matchName(req.Name); ok {
		reason = "name rule " + rule
	}
	if reason != "" {
		logger.Info("punishing member on admission", "reason", reason)
		e.enroll(req, now, v.cfg, false)
		if err := e.punish(ctx, req.User, []int64{req.Group}, reason, false); err != nil {
			return OutcomeFailed, err
		}
		e.declare(ctx, req)
		return OutcomeFailed, nil
	}

	if err := e.Transport.RestrictUser(ctx, req.Group, req.User); err != nil {
		admitRollbacks.WithLabelValues("restrict").Inc()
		return OutcomeIgnored, fmt.Errorf("restricting member: %w", err)
	}
	dec := e.enroll(req, now, v.cfg, true)

	if dec.Entered {
		group := req.Group
		e.async(ctx, "flood-drain", func(ctx context.Context) error {
			return errors.Join(e.Flood.DrainServiceMessages(ctx, group), e.clearHint(ctx, group))
		})
		e.async(ctx, "flood-audit", func(ctx context.Context) error {
			return e.requestAudit(ctx, group, "flood")
		})
	}
	if dec.SuppressHint() {
		group := req.Group
		e.async(ctx, "flood-broadcast", func(ctx context.Context) error {
			return e.refreshFloodBroadcast(ctx, group)
		})
		e.declare(ctx, req)
		return OutcomeFlooded, nil
	}

	if err := e.announceWait(ctx, req.Group, req.Origin); err != nil {
		admitRollbacks.WithLabelValues("hint").Inc()
		logger.Warn("hint failed, rolling back admission", "err", err)
		e.rollbackAdmission(ctx, req.User, req.Group)
		return OutcomeIgnored, fmt.Errorf("announcing wait: %w", err)
	}
	e.declare(ctx, req)
	return OutcomeWaiting, nil
}

// enroll records the wait under the message and flood domains, so that the wait count read by the flood check includes this admission.
func (e *Engine) enroll(req AdmitRequest, now int64, cfg state.GroupConfig, restricted bool) flood.Decision {
	var dec flood.Decision
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.EnsureUser(req.User)
		if req.Name != "" {
			u.Name = req.Name
		}
		if req.Locale != "" {
			u.Locale = req.Locale
		}
		if req.Detail != (state.UserDetail{}) {
			u.Detail = req.Detail
		}
		u.Enroll(req.Group, now)
		if req.manual() {
			u.Manual.Add(req.Group)
		}
		if !restricted {
			return nil
		}
		u.Restricted.Add(req.Group)
		if cfg.Delete && req.Origin != 0 {
			tx.Registry(req.Group).Service[req.Origin] = now
		}
		dec = e.Flood.Observe(tx, req.Group, tx.WaitCount(req.Group), now)
		return nil
	}, state.DomainMessage, state.DomainFlood)
	return dec
}

func (e *Engine) rollbackAdmission(ctx context.Context, user, group int64) {
	_ = e.Store.Do(func(tx *state.Tx) error {
		if u := tx.User(user); u != nil {
			delete(u.Wait, group)
			u.Restricted.Remove(group)
			u.Manual.Remove(group)
		}
		return nil
	}, state.DomainMessage)
	if err := e.Transport.UnrestrictUser(ctx, group, user); !ignorable(err) {
		e.Logger.Error("failed to lift restriction during rollback", "group", group, "user", user, "err", err)
	}
}

func (e *Engine) passThrough(ctx context.Context, req AdmitRequest, autoPass bool) {
	if autoPass {
		var score float64
		_ = e.Store.Do(func(tx *state.Tx) error {
			u := tx.EnsureUser(req.User)
			u.MarkPassed(req.Group, e.now())
			score = e.updateScore(u)
			return nil
		}, state.DomainMessage)
		e.broadcastScore(ctx, req.User, score)
	}
	text := e.render(req.Locale, announce.Welcome, announce.Vars{"name": req.Name})
	group, origin := req.Group, req.Origin
	e.async(ctx, "welcome", func(ctx context.Context) error {
		_, err := e.Transport.SendAnnouncement(ctx, group, text, origin, nil)
		return err
	})
}

// declare claims the join message so siblings leave it alone.
func (e *Engine) declare(ctx context.Context, req AdmitRequest) {
	if req.Origin == 0 || e.Publisher == nil {
		return
	}
	group, origin := req.Group, req.Origin
	e.async(ctx, "declare", func(ctx context.Context) error {
		return e.Publisher.Declare(ctx, group, origin)
	})
}

// announceWait replaces the group's hint with one naming every current waiter. Serialized per group; state is re-read under the group lock.
func (e *Engine) announceWait(ctx context.Context, group int64, replyTo int) error {
	mu := e.groupLock(group)
	mu.Lock()
	defer mu.Unlock()

	var (
		cfg     state.GroupConfig
		flooded bool
		old     int
		users   []announce.Vars
	)
	_ = e.Store.Do(func(tx *state.Tx) error {
		cfg = tx.GroupConfig(group)
		flooded = tx.Flood(group).Flooded()
		old = tx.Registry(group).Hint
		for _, w := range tx.Waiters(group) {
			users = append(users, announce.Vars{"id": w.ID, "name": w.Name})
		}
		return nil
	}, state.DomainMessage, state.DomainConfig, state.DomainFlood)
	if flooded || cfg.Hint == state.HintOff || len(users) == 0 {
		return nil
	}

	var text string
	if len(users) == 1 {
		text = e.render("", announce.Hint, announce.Vars{"user": users[0]["id"], "name": users[0]["name"], "minutes": e.minutes()})
	} else {
		text = e.render("", announce.HintMulti, announce.Vars{"users": users, "minutes": e.minutes()})
	}
	buttons := e.holdingButtons(ctx)

	if old != 0 {
		if err := e.Transport.DeleteMessages(ctx, group, []int{old}); !ignorable(err) {
			e.Logger.Warn("failed to delete previous hint", "group", group, "message", old, "err", err)
		}
	}
	ref, err := e.Transport.SendAnnouncement(ctx, group, text, replyTo, buttons)
	_ = e.Store.Do(func(tx *state.Tx) error {
		reg := tx.Registry(group)
		reg.Hint = ref.ID
		return nil
	}, state.DomainMessage)
	return err
}

// clearHint removes the per-user hint of a group; flood mode replaces it with the static broadcast.
func (e *Engine) clearHint(ctx context.Context, group int64) error {
	mu := e.groupLock(group)
	mu.Lock()
	defer mu.Unlock()

	var old int
	_ = e.Store.Do(func(tx *state.Tx) error {
		reg := tx.Registry(group)
		old, reg.Hint = reg.Hint, 0
		return nil
	}, state.DomainMessage)
	if old == 0 {
		return nil
	}
	if err := e.Transport.DeleteMessages(ctx, group, []int{old}); !ignorable(err) {
		return err
	}
	return nil
}

// PurgeStaleHint deletes a group's hint once nobody is waiting there any more.
func (e *Engine) PurgeStaleHint(ctx context.Context, group int64) (bool, error) {
	mu := e.groupLock(group)
	mu.Lock()
	defer mu.Unlock()

	var old int
	_ = e.Store.Do(func(tx *state.Tx) error {
		reg := tx.Registry(group)
		if reg.Hint == 0 || tx.WaitCount(group) > 0 {
			return nil
		}
		old, reg.Hint = reg.Hint, 0
		return nil
	}, state.DomainMessage)
	if old == 0 {
		return false, nil
	}
	if err := e.Transport.DeleteMessages(ctx, group, []int{old}); !ignorable(err) {
		return true, err
	}
	return true, nil
}

func (e *Engine) refreshFloodBroadcast(ctx context.Context, group int64) error {
	var count int
	_ = e.Store.Do(func(tx *state.Tx) error {
		count = tx.WaitCount(group)
		return nil
	}, state.DomainMessage)
	text := e.render("", announce.Flood, announce.Vars{"count": count})
	return e.Flood.RefreshBroadcast(ctx, group, text, e.holdingButtons(ctx))
}

// requestAudit asks the anti-spam sibling to cross-check the members waiting in a group.
func (e *Engine) requestAudit(ctx context.Context, group int64, reason string) error {
	if e.Publisher == nil {
		return nil
	}
	var users []int64
	_ = e.Store.Do(func(tx *state.Tx) error {
		for _, w := range tx.Waiters(group) {
			users = append(users, w.ID)
		}
		return nil
	}, state.DomainMessage)
	return e.Publisher.Publish(ctx, federation.Outbound{
		To:     []string{federation.TagNospam},
		Action: "request",
		Type:   "check",
		Data:   federation.AuditRequest{GroupID: group, Users: users, Reason: reason},
	})
}

// RequestAudit is requestAudit for the sweeps.
func (e *Engine) RequestAudit(ctx context.Context, group int64, reason string) error {
	return e.requestAudit(ctx, group, reason)
}

func (e *Engine) holdingButtons(ctx context.Context) []platform.Button {
	link, err := e.InviteLink(ctx)
	if err != nil || link == "" {
		if err != nil {
			e.Logger.Warn("no holding area invite link", "err", err)
		}
		return nil
	}
	return []platform.Button{{Text: "Verify", URL: link}}
}

// InviteLink returns the cached holding-area invite link, exporting one the first time.
func (e *Engine) InviteLink(ctx context.Context) (string, error) {
	var link string
	_ = e.Store.Do(func(tx *state.Tx) error {
		link = tx.Invite().Link
		return nil
	}, state.DomainInvite)
	if link != "" {
		return link, nil
	}
	return e.RotateInvite(ctx)
}

// RotateInvite exports a fresh holding-area invite link, revoking the previous one.
func (e *Engine) RotateInvite(ctx context.Context) (string, error) {
	link, err := e.Transport.ExportInvite(ctx, e.Config.HoldingArea)
	if err != nil {
		return "", fmt.Errorf("exporting invite: %w", err)
	}
	now := e.now()
	_ = e.Store.Do(func(tx *state.Tx) error {
		inv := tx.Invite()
		inv.Link = link
		inv.Time = now
		return nil
	}, state.DomainInvite)
	return link, nil
}
