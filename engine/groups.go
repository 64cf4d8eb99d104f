package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bluesky-social/gatekeep/announce"
	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

var (
	ErrIncompleteQuestion = errors.New("custom question needs a question line and at least one answer")
	ErrNoFederation       = errors.New("configuration service unreachable")
)

// ManageGroup starts managing a group with the default policy (when it has none yet) and loads its admin list.
func (e *Engine) ManageGroup(ctx context.Context, group int64) (err error) {
	defer e.recoverOp("manage-group", &err, "group", group)
	_ = e.Store.Do(func(tx *state.Tx) error {
		if !tx.Managed(group) {
			tx.SetGroup(group, state.DefaultGroupConfig())
		}
		return nil
	}, state.DomainConfig)
	e.Logger.Info("managing group", "group", group)
	return e.RefreshAdmins(ctx, group)
}

func (e *Engine) RefreshAdmins(ctx context.Context, group int64) error {
	ids, err := e.Transport.ListAdmins(ctx, group)
	if err != nil {
		return fmt.Errorf("listing admins of %d: %w", group, err)
	}
	return e.Store.Do(func(tx *state.Tx) error {
		tx.SetAdmins(group, ids)
		return nil
	}, state.DomainAdmin)
}

// RequestConfig locks a group's configuration and asks the configuration service for a panel for the admin. Only one request may be in flight per group until the lock times out or a commit arrives.
func (e *Engine) RequestConfig(ctx context.Context, group, admin int64) (err error) {
	ctx, span := tracer.Start(ctx, "RequestConfig")
	defer span.End()
	defer e.recoverOp("request-config", &err, "group", group, "admin", admin)

	if e.Publisher == nil {
		return ErrNoFederation
	}
	now := e.now()
	err = e.Store.Do(func(tx *state.Tx) error {
		if !tx.Managed(group) {
			return ErrUnmanaged
		}
		if !tx.IsAdmin(group, admin) {
			return ErrNotAdmin
		}
		c := tx.Group(group)
		if c.Lock != 0 && now-c.Lock < seconds(e.Config.ConfigLockTimeout) {
			return ErrConfigLocked
		}
		c.Lock = now
		return nil
	}, state.DomainAdmin, state.DomainConfig)
	if err != nil {
		return err
	}

	err = e.Publisher.Publish(ctx, federation.Outbound{
		To:     []string{federation.TagConfig},
		Action: "request",
		Type:   "config",
		Data:   federation.ConfigRequest{GroupID: group, UserID: admin},
	})
	if err != nil {
		_ = e.Store.Do(func(tx *state.Tx) error {
			if c := tx.Group(group); c != nil && c.Lock == now {
				c.Lock = 0
			}
			return nil
		}, state.DomainConfig)
		return fmt.Errorf("requesting config panel: %w", err)
	}
	return nil
}

// CommitConfig replaces a managed group's policy and releases the config lock. The operational Lacking mark survives commits.
func (e *Engine) CommitConfig(ctx context.Context, group int64, cfg state.GroupConfig) error {
	return e.Store.Do(func(tx *state.Tx) error {
		old := tx.Group(group)
		if old == nil {
			return ErrUnmanaged
		}
		cfg.Lacking = old.Lacking
		cfg.Lock = 0
		tx.SetGroup(group, cfg)
		return nil
	}, state.DomainConfig)
}

func (e *Engine) ConfigPanel(ctx context.Context, group, admin int64, link string) error {
	text := e.render("", announce.ConfigPanel, announce.Vars{"group": group})
	_, err := e.Transport.SendAnnouncement(ctx, admin, text, 0, []platform.Button{{Text: "Settings", URL: link}})
	return err
}

// LeaveGroup stops managing a group: the service leaves, the group's policy and admins are dropped and its pending waits released.
func (e *Engine) LeaveGroup(ctx context.Context, group int64) error {
	if err := e.Transport.LeaveGroup(ctx, group); !ignorable(err) {
		return fmt.Errorf("leaving %d: %w", group, err)
	}
	released := 0
	_ = e.Store.Do(func(tx *state.Tx) error {
		for _, u := range tx.Users() {
			if _, ok := u.Wait[group]; ok {
				delete(u.Wait, group)
				released++
			}
			u.Restricted.Remove(group)
		}
		tx.DeleteAdmins(group)
		tx.DeleteGroup(group)
		return nil
	}, state.DomainMessage, state.DomainAdmin, state.DomainConfig)
	e.Logger.Info("left group", "group", group, "released", released)
	return nil
}

func (e *Engine) HelpCaptcha(ctx context.Context, group, user int64, name string) error {
	_, err := e.Admit(ctx, AdmitRequest{Group: group, User: user, Name: name, Manual: true})
	return err
}

func startKey(admin int64) string {
	return strconv.FormatInt(admin, 10)
}

// BeginCustomQuestion opens a session in which the admin's next private message sets the group's own question.
func (e *Engine) BeginCustomQuestion(ctx context.Context, group, admin int64) (err error) {
	defer e.recoverOp("begin-custom", &err, "group", group, "admin", admin)
	if err := e.requireAdmin(group, admin); err != nil {
		return err
	}
	until := e.now() + seconds(e.Config.CustomSessionTimeout)
	_ = e.Store.Do(func(tx *state.Tx) error {
		tx.SetStart(startKey(admin), state.StartSession{Group: group, Admin: admin, Until: until})
		return nil
	}, state.DomainConfig)
	text := e.render("", announce.CustomPrompt, announce.Vars{"group": group, "minutes": int(e.Config.CustomSessionTimeout.Minutes())})
	_, err = e.Transport.SendAnnouncement(ctx, admin, text, 0, nil)
	return err
}

// ParseCustomQuestion reads a question from its first non-blank line and accepted answers from the rest.
func ParseCustomQuestion(text string) (state.CustomQuestion, error) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 2 {
		return state.CustomQuestion{}, ErrIncompleteQuestion
	}
	return state.CustomQuestion{Question: lines[0], Answers: lines[1:]}, nil
}

// CompleteCustomQuestion consumes the admin's pending session. Returns false when there is no live session; a malformed question keeps the session open.
func (e *Engine) CompleteCustomQuestion(ctx context.Context, admin int64, text string) (ok bool, err error) {
	defer e.recoverOp("complete-custom", &err, "admin", admin)
	now := e.now()
	var (
		group int64
		cfg   state.GroupConfig
	)
	err = e.Store.Do(func(tx *state.Tx) error {
		sess := tx.Start(startKey(admin))
		if sess == nil {
			return nil
		}
		if sess.Until < now || !tx.Managed(sess.Group) {
			tx.DeleteStart(startKey(admin))
			return nil
		}
		ok = true
		q, err := ParseCustomQuestion(text)
		if err != nil {
			return err
		}
		group = sess.Group
		cfg = tx.GroupConfig(group)
		cfg.Custom = &q
		tx.SetGroup(group, cfg)
		tx.DeleteStart(startKey(admin))
		return nil
	}, state.DomainConfig)
	if err != nil || group == 0 {
		return ok, err
	}
	e.Logger.Info("custom question set", "group", group, "admin", admin)
	if e.Publisher != nil {
		e.async(ctx, "config-commit", func(ctx context.Context) error {
			return e.Publisher.Publish(ctx, federation.Outbound{
				To:     []string{federation.TagConfig},
				Action: "commit",
				Type:   "config",
				Data:   federation.ConfigCommit{GroupID: group, UserID: admin, Config: cfg},
			})
		})
	}
	return true, nil
}
