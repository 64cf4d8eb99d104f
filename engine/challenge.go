package engine

import (
	"context"
	"fmt"

	"github.com/bluesky-social/gatekeep/announce"
	"github.com/bluesky-social/gatekeep/challenge"
	"github.com/bluesky-social/gatekeep/keyword"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/state"
)

// AnswerPrefix marks the callback data of answer buttons.
const AnswerPrefix = "answer:"

func answerButtons(candidates []string) []platform.Button {
	if len(candidates) == 0 {
		return nil
	}
	out := make([]platform.Button, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, platform.Button{Text: c, Data: AnswerPrefix + c})
	}
	return out
}

func (e *Engine) questionText(locale, name string, ch challenge.Challenge, limit int) string {
	return e.render(locale, announce.Question, announce.Vars{
		"name":     name,
		"kind":     string(ch.Kind),
		"question": ch.Question,
		"limit":    limit,
		"minutes":  e.minutes(),
	})
}

// newChallenge builds a group's custom question when it has one, otherwise a generated one of a locale-weighted kind. A kind equal to avoid is redrawn once.
func (e *Engine) newChallenge(ctx context.Context, locale string, custom *state.CustomQuestion, avoid challenge.Kind) (challenge.Challenge, error) {
	if custom != nil {
		return challenge.Custom(*custom)
	}
	kind := e.Pool.Pick(locale, nil)
	if kind == avoid {
		kind = e.Pool.Pick(locale, nil)
	}
	return e.Generator.Generate(ctx, kind, locale)
}

type challengeView struct {
	tracked bool
	waited  []int64
	record  *state.ChallengeRecord
	name    string
	locale  string
	custom  *state.CustomQuestion
	try     int
	limit   int
	changed bool
}

func (e *Engine) viewChallenge(user int64) challengeView {
	var v challengeView
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		v.tracked = true
		v.waited = u.Waiting()
		if u.Challenge != nil {
			rec := *u.Challenge
			v.record = &rec
		}
		v.name, v.locale = u.Name, u.Locale
		v.try, v.limit = u.Try, u.Limit
		v.changed = tx.Changed(user)
		// the earliest waited group decides whether its own question is used
		if len(v.waited) > 0 {
			if c := tx.GroupConfig(v.waited[0]).Custom; c != nil {
				q := *c
				v.custom = &q
			}
		}
		return nil
	}, state.DomainMessage, state.DomainConfig)
	return v
}

// EnterHolding handles a member arriving in the holding area: anyone waiting on a group gets a challenge.
func (e *Engine) EnterHolding(ctx context.Context, user int64, locale string) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "EnterHolding")
	defer span.End()
	defer e.recoverOp("enter-holding", &err, "user", user)

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	tracked := false
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		tracked = true
		u.InHolding = true
		if locale != "" {
			u.Locale = locale
		}
		return nil
	}, state.DomainMessage)
	if !tracked {
		return false, nil
	}
	return e.issue(ctx, user)
}

// IssueChallenge sends a challenge to the holding area for a waiting user. A user who already holds a challenge keeps it.
func (e *Engine) IssueChallenge(ctx context.Context, user int64) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "IssueChallenge")
	defer span.End()
	defer e.recoverOp("issue-challenge", &err, "user", user)

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()
	return e.issue(ctx, user)
}

func (e *Engine) issue(ctx context.Context, user int64) (bool, error) {
	v := e.viewChallenge(user)
	if len(v.waited) == 0 {
		return false, nil
	}
	if v.record != nil {
		return true, nil
	}

	ch, err := e.newChallenge(ctx, v.locale, v.custom, "")
	if err != nil {
		e.unwindWaits(ctx, user)
		return false, fmt.Errorf("generating challenge: %w", err)
	}
	text := e.questionText(v.locale, v.name, ch, ch.Budget)
	buttons := answerButtons(ch.Candidates)
	ref, err := e.Transport.SendAnnouncement(ctx, e.Config.HoldingArea, text, 0, buttons)
	if err != nil {
		e.unwindWaits(ctx, user)
		return false, fmt.Errorf("sending challenge: %w", err)
	}

	now := e.now()
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		u.Challenge = ch.Record(ref.ID, now)
		u.Try = 0
		u.Limit = ch.Budget
		return nil
	}, state.DomainMessage)
	challengesIssued.WithLabelValues(string(ch.Kind)).Inc()

	if ch.ImageURL != "" {
		media := &platform.Media{URL: ch.ImageURL, Caption: text}
		e.async(ctx, "challenge-image", func(ctx context.Context) error {
			if !e.holdsChallenge(user, ref.ID) {
				return nil
			}
			return e.Transport.EditAnnouncement(ctx, ref, text, media, buttons)
		})
	}
	return true, nil
}

func (e *Engine) holdsChallenge(user int64, msgID int) bool {
	held := false
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		held = u != nil && u.Challenge != nil && u.Challenge.MessageID == msgID
		return nil
	}, state.DomainMessage)
	return held
}

// unwindWaits undoes every pending admission of a user whose challenge could not be delivered.
func (e *Engine) unwindWaits(ctx context.Context, user int64) {
	var groups []int64
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		groups = u.Waiting()
		for _, g := range groups {
			delete(u.Wait, g)
			u.Restricted.Remove(g)
		}
		u.Challenge = nil
		return nil
	}, state.DomainMessage)
	admitRollbacks.WithLabelValues("challenge").Inc()
	for _, g := range groups {
		if err := e.Transport.UnrestrictUser(ctx, g, user); !ignorable(err) {
			e.Logger.Error("failed to lift restriction while unwinding", "group", g, "user", user, "err", err)
		}
	}
}

// SubmitAnswer checks an answer against the user's current challenge. Returns false when the user has no challenge.
func (e *Engine) SubmitAnswer(ctx context.Context, user int64, text string) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "SubmitAnswer")
	defer span.End()
	defer e.recoverOp("submit-answer", &err, "user", user)

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	v := e.viewChallenge(user)
	if v.record == nil {
		return false, nil
	}
	if keyword.AnswerMatches(v.record.Answer, text) {
		answerCount.WithLabelValues("correct").Inc()
		return true, e.succeed(ctx, user, "succeeded")
	}
	answerCount.WithLabelValues("wrong").Inc()

	var try, limit int
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		u.Try++
		try, limit = u.Try, u.Limit
		return nil
	}, state.DomainMessage)
	if try >= limit {
		return true, e.fail(ctx, user, "wrong answer")
	}

	status := e.render(v.locale, announce.TryAgain, announce.Vars{"name": v.name, "try": try, "limit": limit})
	replyTo := v.record.MessageID
	e.async(ctx, "try-again", func(ctx context.Context) error {
		_, err := e.Transport.SendAnnouncement(ctx, e.Config.HoldingArea, status, replyTo, nil)
		return err
	})
	return true, nil
}

// ChangeChallenge swaps the user's question for a new one in place. Allowed once per challenge and never after the attempts are used up; used attempts carry over.
func (e *Engine) ChangeChallenge(ctx context.Context, user int64) (ok bool, err error) {
	ctx, span := tracer.Start(ctx, "ChangeChallenge")
	defer span.End()
	defer e.recoverOp("change-challenge", &err, "user", user)

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	v := e.viewChallenge(user)
	if v.record == nil {
		return false, nil
	}
	if v.changed || v.try >= v.limit {
		denied := e.render(v.locale, announce.ChangeDenied, nil)
		replyTo := v.record.MessageID
		e.async(ctx, "change-denied", func(ctx context.Context) error {
			_, err := e.Transport.SendAnnouncement(ctx, e.Config.HoldingArea, denied, replyTo, nil)
			return err
		})
		return false, nil
	}

	ch, err := e.newChallenge(ctx, v.locale, v.custom, challenge.Kind(v.record.Kind))
	if err != nil {
		return false, fmt.Errorf("generating challenge: %w", err)
	}
	limit := max(ch.Budget, v.try+1)
	text := e.questionText(v.locale, v.name, ch, limit)
	var media *platform.Media
	if ch.ImageURL != "" {
		media = &platform.Media{URL: ch.ImageURL, Caption: text}
	}
	ref := platform.MessageRef{Group: e.Config.HoldingArea, ID: v.record.MessageID}
	if err := e.Transport.EditAnnouncement(ctx, ref, text, media, answerButtons(ch.Candidates)); err != nil {
		return false, fmt.Errorf("editing challenge: %w", err)
	}

	issued := e.now()
	_ = e.Store.Do(func(tx *state.Tx) error {
		u := tx.User(user)
		if u == nil {
			return nil
		}
		u.Challenge = ch.Record(ref.ID, issued)
		u.Limit = limit
		tx.MarkChanged(user)
		return nil
	}, state.DomainMessage)
	challengesIssued.WithLabelValues(string(ch.Kind)).Inc()
	return true, nil
}
