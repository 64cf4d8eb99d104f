package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var nonAnswerChars = regexp.MustCompile(`[^\pL\pN]+`)

// NormalizeAnswer canonicalizes a challenge answer or a user submission: compatibility decomposition, combining mark removal, full/half-width folding, unicode case folding, and removal of every non-letter, non-digit character.
//
// Stored answers and submissions must go through exactly this function before they are compared.
func NormalizeAnswer(s string) string {
	// transformer chains carry state, so a fresh one is built for every call
	normFunc := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), width.Fold, norm.NFC)
	out, _, err := transform.String(normFunc, s)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		out = s
	}
	out = cases.Fold().String(out)
	return nonAnswerChars.ReplaceAllString(out, "")
}

// AnswerMatches compares a stored answer with a submission after normalizing both sides. Empty answers never match.
func AnswerMatches(answer, submitted string) bool {
	a := NormalizeAnswer(answer)
	if a == "" {
		return false
	}
	return a == NormalizeAnswer(submitted)
}

// ApplySubstitutions replaces look-alike characters using a table derived from annotated regex rules.
func ApplySubstitutions(s string, subs map[rune]rune) string {
	if len(subs) == 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if to, ok := subs[r]; ok {
			return to
		}
		return r
	}, s)
}
