package keyword

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// annotation suffix marking a rule whose character class is a set of look-alikes for one character, eg: "[@4áà]##map=a"
const mapAnnotation = "##map="

// RuleSet is a compiled set of regex rules, as synchronized from the regex service.
type RuleSet struct {
	sources  []string
	patterns []*regexp.Regexp
}

// CompileRules compiles every rule, skipping (and reporting) invalid ones. Annotations are stripped before compiling. Rules are matched case-insensitively.
func CompileRules(rules []string) (*RuleSet, []error) {
	rs := &RuleSet{}
	var errs []error
	for _, src := range rules {
		pat, _ := splitAnnotation(src)
		if pat == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", src, err))
			continue
		}
		rs.sources = append(rs.sources, src)
		rs.patterns = append(rs.patterns, re)
	}
	return rs, errs
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.patterns)
}

// Match returns the source of the first rule matching text.
func (rs *RuleSet) Match(text string) (string, bool) {
	if rs == nil {
		return "", false
	}
	for i, re := range rs.patterns {
		if re.MatchString(text) {
			return rs.sources[i], true
		}
	}
	return "", false
}

// MatchName checks a display name against the rules, in its raw form, with look-alike substitutions applied, and as a slug.
func (rs *RuleSet) MatchName(name string, subs map[rune]rune) (string, bool) {
	if name == "" {
		return "", false
	}
	if src, ok := rs.Match(name); ok {
		return src, true
	}
	subbed := ApplySubstitutions(strings.ToLower(name), subs)
	if src, ok := rs.Match(subbed); ok {
		return src, true
	}
	return rs.Match(Slugify(subbed))
}

// DiffRules computes the set difference between the local and incoming versions of a rule set. Applying the result twice has the same effect as applying it once.
func DiffRules(local, incoming []string) (added, removed []string) {
	have := make(map[string]bool, len(local))
	for _, r := range local {
		have[r] = true
	}
	want := make(map[string]bool, len(incoming))
	for _, r := range incoming {
		want[r] = true
		if !have[r] {
			added = append(added, r)
		}
	}
	for r := range have {
		if !want[r] {
			removed = append(removed, r)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	added = slices.Compact(added)
	return added, removed
}

// MergeRules applies a diff to a local rule set, returning a sorted, de-duplicated result.
func MergeRules(local, added, removed []string) []string {
	drop := make(map[string]bool, len(removed))
	for _, r := range removed {
		drop[r] = true
	}
	out := make([]string, 0, len(local)+len(added))
	for _, r := range local {
		if !drop[r] {
			out = append(out, r)
		}
	}
	out = append(out, added...)
	slices.Sort(out)
	return slices.Compact(out)
}

// DeriveSubstitutions builds a look-alike table from rules annotated with "##map=<char>" whose pattern is a single character class.
func DeriveSubstitutions(rules []string) map[rune]rune {
	subs := make(map[rune]rune)
	for _, src := range rules {
		pat, target := splitAnnotation(src)
		if target == 0 {
			continue
		}
		for _, r := range classMembers(pat) {
			if r != target {
				subs[r] = target
			}
		}
	}
	return subs
}

func splitAnnotation(src string) (string, rune) {
	idx := strings.LastIndex(src, mapAnnotation)
	if idx < 0 {
		return src, 0
	}
	pat := src[:idx]
	val := src[idx+len(mapAnnotation):]
	r, size := utf8.DecodeRuneInString(val)
	if r == utf8.RuneError || size != len(val) {
		return pat, 0
	}
	return pat, r
}

// classMembers lists the characters of a simple "[...]" character class, expanding ranges and escapes. Anything else yields nothing.
func classMembers(pat string) []rune {
	if len(pat) < 3 || pat[0] != '[' || pat[len(pat)-1] != ']' || pat[1] == '^' {
		return nil
	}
	body := []rune(pat[1 : len(pat)-1])
	var out []rune
	for i := 0; i < len(body); i++ {
		r := body[i]
		if r == '\\' && i+1 < len(body) {
			i++
			out = append(out, body[i])
			continue
		}
		if i+2 < len(body) && body[i+1] == '-' && body[i+2] >= r {
			for c := r; c <= body[i+2]; c++ {
				out = append(out, c)
			}
			i += 2
			continue
		}
		out = append(out, r)
	}
	return out
}
