package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)
	nonSlugChars  = regexp.MustCompile(`[^\pL\pN]+`)
)

// Splits free-form text (such as a display name or bio) in to lower-case tokens, with unicode normalization and removal of combining marks.
func TokenizeText(text string) []string {
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	bare := strings.ToLower(nonTokenChars.ReplaceAllString(text, " "))
	normed, _, err := transform.String(normFunc, bare)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		normed = bare
	}
	return strings.Fields(normed)
}

// Takes an arbitrary string and returns a version with all non-letter, non-digit characters removed, and all lower-case
func Slugify(orig string) string {
	return strings.ToLower(nonSlugChars.ReplaceAllString(orig, ""))
}
