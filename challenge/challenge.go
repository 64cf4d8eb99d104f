// Package challenge produces the questions issued to new members.
//
// The set of kinds is closed. Each kind maps to one generator function in a fixed table, and a locale-weighted Pool chooses among the kinds a deployment enables.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/gatekeep/state"
)

type Kind string

const (
	KindMath   Kind = "math"
	KindWord   Kind = "word"
	KindChoice Kind = "choice"
	KindImage  Kind = "image"
	// group-defined question; built from GroupConfig.Custom rather than by a Generator
	KindCustom Kind = "custom"
)

var ErrUnsupportedKind = errors.New("unsupported challenge kind")

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindMath, KindWord, KindChoice, KindImage, KindCustom:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// Challenge is generated content plus the number of attempts the member gets.
type Challenge struct {
	Kind     Kind
	Question string
	// set for picture challenges
	ImageURL string
	Answer   string
	// offered as buttons when non-empty; the answer is one of them
	Candidates []string
	Budget     int
}

// Record converts the challenge into the form kept on the user's status.
func (c Challenge) Record(messageID int, issued int64) *state.ChallengeRecord {
	return &state.ChallengeRecord{
		MessageID:  messageID,
		Kind:       string(c.Kind),
		Question:   c.Question,
		Answer:     c.Answer,
		Candidates: append([]string(nil), c.Candidates...),
		Issued:     issued,
	}
}

type Generator interface {
	Generate(ctx context.Context, kind Kind, locale string) (Challenge, error)
}

// Custom builds a challenge from a group's own question. The first configured answer is canonical.
func Custom(q state.CustomQuestion) (Challenge, error) {
	if q.Question == "" || len(q.Answers) == 0 {
		return Challenge{}, fmt.Errorf("custom question is incomplete")
	}
	c := Challenge{
		Kind:     KindCustom,
		Question: q.Question,
		Answer:   q.Answers[0],
		Budget:   3,
	}
	if len(q.Answers) > 1 {
		c.Candidates = append([]string(nil), q.Answers...)
		c.Budget = 1
	}
	return c, nil
}
