package engine

import (
	"context"
	"math"

	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/state"
)

// Score weighs a user's outcomes: passes and successes lower it, unforgiven failures raise it. Rounded to one decimal.
func Score(u *state.UserStatus) float64 {
	failed := 0
	for _, t := range u.Failed {
		if t >= 0 {
			failed++
		}
	}
	s := -0.2*float64(len(u.Pass)) - 0.3*float64(len(u.Succeeded)) + 0.6*float64(failed)
	s = math.Round(s*10) / 10
	// avoid broadcasting "-0"
	if s == 0 {
		return 0
	}
	return s
}

// updateScore recomputes and stores the user's own-source score. Caller holds the message domain.
func (e *Engine) updateScore(u *state.UserStatus) float64 {
	s := Score(u)
	u.Score[e.Config.ScoreSource] = s
	return s
}

func (e *Engine) broadcastScore(ctx context.Context, user int64, score float64) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Broadcast(ctx, "update", "score", federation.ScoreUpdate{ID: user, Score: score}); err != nil {
		e.Logger.Warn("failed to broadcast score", "user", user, "err", err)
	}
}

// RebroadcastScores publishes every tracked user's score. Used by the daily sweep.
func (e *Engine) RebroadcastScores(ctx context.Context) int {
	scores := make(map[int64]float64)
	_ = e.Store.Do(func(tx *state.Tx) error {
		for _, u := range tx.Users() {
			scores[u.ID] = e.updateScore(u)
		}
		return nil
	}, state.DomainMessage)
	for id, s := range scores {
		e.broadcastScore(ctx, id, s)
	}
	return len(scores)
}
