package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bluesky-social/gatekeep/keyword"
	"github.com/bluesky-social/gatekeep/state"
)

type route struct {
	sender string
	action string
	typ    string
}

type handlerFunc func(ctx context.Context, p *Protocol, env Envelope, msg Message) error

var ErrNoHooks = errors.New("federation hooks not configured")

// defaultRoutes is the fixed dispatch table. Every handler is idempotent: sets are merged or replaced, never counted or appended.
func defaultRoutes() map[route]handlerFunc {
	return map[route]handlerFunc{
		{AnySender, "add", "bad"}:         handleBadAdd,
		{AnySender, "remove", "bad"}:      handleBadRemove,
		{AnySender, "update", "score"}:    handleScore,
		{TagConfig, "commit", "config"}:   handleConfigCommit,
		{TagConfig, "show", "config"}:     handleConfigShow,
		{TagConfig, "reply", "config"}:    handleConfigReply,
		{AnySender, "declare", "message"}: handleDeclare,
		{TagManage, "approve", "leave"}:   handleLeaveApprove,
		{AnySender, "update", "ignore"}:   handleIgnoreSync,
		{AnySender, "remove", "ignore"}:   handleIgnoreRemove,
		{TagRegex, "update", "regex"}:     handleRegexUpdate,
		{TagManage, "rollback", "state"}:  handleRollback,
		{AnySender, "add", "watch"}:       handleWatchAdd,
		{AnySender, "remove", "watch"}:    handleWatchRemove,
		{AnySender, "update", "white"}:    handleWhiteUpdate,
		{AnySender, "remove", "white"}:    handleWhiteRemove,
		{AnySender, "help", "captcha"}:    handleHelpCaptcha,
		{AnySender, "emergency", "hide"}:  handleEmergencyHide,
	}
}

func isEmergency(env Envelope) bool {
	return env.Action == "emergency" && env.Type == "hide"
}

// Receive applies one inbound message and reports whether a handler accepted it. Malformed, unaddressed, unrouted or failing envelopes are logged and counted, never returned as errors.
func (p *Protocol) Receive(ctx context.Context, msg Message) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error("federation handler exception", "err", r)
			receiveDropped.WithLabelValues("panic").Inc()
			handled = false
		}
	}()

	env, err := ParseEnvelope(msg.Text)
	if err != nil {
		p.Logger.Warn("dropping malformed envelope", "err", err)
		receiveDropped.WithLabelValues("malformed").Inc()
		return false
	}
	if env.From == p.Config.Self {
		return false
	}
	if !env.AddressedTo(p.Config.Self) && !isEmergency(env) {
		receiveDropped.WithLabelValues("unaddressed").Inc()
		return false
	}
	fn, ok := p.routes[route{env.From, env.Action, env.Type}]
	if !ok {
		fn, ok = p.routes[route{AnySender, env.Action, env.Type}]
	}
	if !ok {
		p.Logger.Debug("no route for envelope", "from", env.From, "action", env.Action, "type", env.Type)
		receiveDropped.WithLabelValues("unrouted").Inc()
		return false
	}
	logger := p.Logger.With("from", env.From, "action", env.Action, "type", env.Type)
	if err := fn(ctx, p, env, msg); err != nil {
		logger.Warn("federation handler failed", "err", err)
		receiveDropped.WithLabelValues("handler").Inc()
		return false
	}
	logger.Debug("envelope handled")
	receiveCount.WithLabelValues(env.Action, env.Type).Inc()
	return true
}

func (p *Protocol) lists(fn func(l *state.Lists)) error {
	return p.Store.Do(func(tx *state.Tx) error {
		fn(tx.Lists())
		return nil
	}, state.DomainReceive)
}

func handleBadAdd(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var u UserRef
	if err := env.Decode(&u); err != nil {
		return err
	}
	return p.lists(func(l *state.Lists) { l.Bad.Add(u.ID) })
}

func handleBadRemove(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var u UserRef
	if err := env.Decode(&u); err != nil {
		return err
	}
	return p.lists(func(l *state.Lists) { l.Bad.Remove(u.ID) })
}

// handleScore records a sibling's score for a user this service tracks. Scores of untracked users are ignored.
func handleScore(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var s ScoreUpdate
	if err := env.Decode(&s); err != nil {
		return err
	}
	return p.Store.Do(func(tx *state.Tx) error {
		if u := tx.User(s.ID); u != nil {
			u.Score[env.From] = s.Score
		}
		return nil
	}, state.DomainMessage)
}

func handleConfigCommit(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var c ConfigCommit
	if err := env.Decode(&c); err != nil {
		return err
	}
	if p.Hooks == nil {
		return ErrNoHooks
	}
	return p.Hooks.CommitConfig(ctx, c.GroupID, c.Config)
}

// handleConfigShow answers with the current config of a managed group.
func handleConfigShow(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var r ConfigRequest
	if err := env.Decode(&r); err != nil {
		return err
	}
	var cfg *state.GroupConfig
	_ = p.Store.Do(func(tx *state.Tx) error {
		if c := tx.Group(r.GroupID); c != nil {
			cp := *c
			cfg = &cp
		}
		return nil
	}, state.DomainConfig)
	if cfg == nil {
		return fmt.Errorf("group %d is not managed", r.GroupID)
	}
	return p.Publish(ctx, Outbound{
		To:     []string{env.From},
		Action: "answer",
		Type:   "config",
		Data:   ConfigCommit{GroupID: r.GroupID, UserID: r.UserID, Config: *cfg},
	})
}

func handleConfigReply(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var r ConfigReply
	if err := env.Decode(&r); err != nil {
		return err
	}
	if p.Hooks == nil {
		return ErrNoHooks
	}
	return p.Hooks.ConfigPanel(ctx, r.GroupID, r.UserID, r.Link)
}

// handleDeclare remembers the first sibling to claim a message; later claims are no-ops.
func handleDeclare(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var d MessageDeclare
	if err := env.Decode(&d); err != nil {
		return err
	}
	if p.Cache == nil {
		return nil
	}
	_, err := p.Cache.SetIfAbsent(ctx, "declared", declaredKey(d.GroupID, d.MessageID), env.From)
	return err
}

func handleLeaveApprove(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var g GroupRef
	if err := env.Decode(&g); err != nil {
		return err
	}
	if p.Hooks == nil {
		return ErrNoHooks
	}
	return p.Hooks.LeaveGroup(ctx, g.GroupID)
}

// handleIgnoreSync replaces the ignore list with the sibling's copy.
func handleIgnoreSync(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var ids []int64
	if err := env.Decode(&ids); err != nil {
		return err
	}
	return p.lists(func(l *state.Lists) { l.Ignore = state.NewIDSet(ids...) })
}

func handleIgnoreRemove(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var u UserRef
	if err := env.Decode(&u); err != nil {
		return err
	}
	return p.lists(func(l *state.Lists) { l.Ignore.Remove(u.ID) })
}

// handleRegexUpdate merges the incoming rule set by set difference and re-derives the substitution table from every annotated rule.
func handleRegexUpdate(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var u RuleUpdate
	if err := env.Decode(&u); err != nil {
		return err
	}
	if u.Name == "" {
		return fmt.Errorf("%w: rule set name missing", ErrMalformed)
	}
	if _, errs := keyword.CompileRules(u.Rules); len(errs) > 0 {
		return fmt.Errorf("rule set %s: %w", u.Name, errors.Join(errs...))
	}
	changed := false
	_ = p.Store.Do(func(tx *state.Tx) error {
		local := tx.Rules(u.Name)
		added, removed := keyword.DiffRules(local, u.Rules)
		if len(added) == 0 && len(removed) == 0 {
			return nil
		}
		changed = true
		tx.SetRules(u.Name, keyword.MergeRules(local, added, removed))
		var all []string
		for _, name := range tx.RuleNames() {
			all = append(all, tx.Rules(name)...)
		}
		tx.SetSubstitutions(keyword.DeriveSubstitutions(all))
		return nil
	}, state.DomainRegex)
	if changed {
		p.Logger.Info("rule set updated", "name", u.Name, "rules", len(u.Rules))
		if p.Hooks != nil {
			p.Hooks.RulesChanged(ctx)
		}
	}
	return nil
}

// handleRollback restores one state category from the attached snapshot.
func handleRollback(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var ref SnapshotRef
	if err := env.Decode(&ref); err != nil {
		return err
	}
	c, err := state.ParseCategory(ref.Category)
	if err != nil {
		return err
	}
	if len(msg.File) == 0 {
		return fmt.Errorf("%w: rollback without attachment", ErrMalformed)
	}
	data := msg.File
	if msg.Encrypted {
		data, err = Open(p.Config.Secret, msg.FileName, msg.File)
		if err != nil {
			return err
		}
	}
	if err := p.Store.Restore(ctx, c, data); err != nil {
		return err
	}
	p.Logger.Warn("state category rolled back", "category", c)
	if c == state.CategoryRegex && p.Hooks != nil {
		p.Hooks.RulesChanged(ctx)
	}
	return nil
}

func handleWatchAdd(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var w WatchAdd
	if err := env.Decode(&w); err != nil {
		return err
	}
	switch w.Kind {
	case state.WatchBan, state.WatchDelete:
	default:
		return fmt.Errorf("%w: unknown watch type %q", ErrMalformed, w.Kind)
	}
	return p.lists(func(l *state.Lists) {
		l.Watch[w.ID] = state.WatchEntry{Kind: w.Kind, Until: w.Until}
	})
}

func handleWatchRemove(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var u UserRef
	if err := env.Decode(&u); err != nil {
		return err
	}
	return p.lists(func(l *state.Lists) { delete(l.Watch, u.ID) })
}

// handleWhiteUpdate unions the sibling's white list into ours.
func handleWhiteUpdate(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var ids []int64
	if err := env.Decode(&ids); err != nil {
		return err
	}
	return p.lists(func(l *state.Lists) {
		for _, id := range ids {
			l.White.Add(id)
		}
	})
}

func handleWhiteRemove(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var u UserRef
	if err := env.Decode(&u); err != nil {
		return err
	}
	return p.lists(func(l *state.Lists) { l.White.Remove(u.ID) })
}

// handleHelpCaptcha enrolls a member on a sibling's request. Requests beyond the sliding-window limit are dropped.
func handleHelpCaptcha(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	var h HelpRequest
	if err := env.Decode(&h); err != nil {
		return err
	}
	if h.GroupID == 0 || h.UserID == 0 {
		return fmt.Errorf("%w: help request needs group and user", ErrMalformed)
	}
	if !p.help.Allow() {
		return fmt.Errorf("help-captcha rate limit exceeded")
	}
	if p.Hooks == nil {
		return ErrNoHooks
	}
	return p.Hooks.HelpCaptcha(ctx, h.GroupID, h.UserID, h.Name)
}

// handleEmergencyHide moves publishing to the fallback channel, or back to the primary when the payload is false. It is the only directive honored unaddressed.
func handleEmergencyHide(ctx context.Context, p *Protocol, env Envelope, msg Message) error {
	hide := true
	if string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &hide); err != nil {
			return fmt.Errorf("%w: hide payload: %w", ErrMalformed, err)
		}
	}
	p.setHidden(hide)
	return nil
}
