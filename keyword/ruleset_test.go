package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompileAndMatch(t *testing.T) {
	assert := assert.New(t)

	rs, errs := CompileRules([]string{"free\\s*crypto", "(", "[@4]##map=a", ""})
	assert.Equal(1, len(errs))
	assert.Equal(2, rs.Len())

	src, ok := rs.Match("get FREE crypto now")
	assert.True(ok)
	assert.Equal("free\\s*crypto", src)

	_, ok = rs.Match("hello")
	assert.False(ok)

	var empty *RuleSet
	_, ok = empty.Match("anything")
	assert.False(ok)
}

func TestMatchNameWithSubstitutions(t *testing.T) {
	assert := assert.New(t)

	rs, errs := CompileRules([]string{"^spambot$"})
	assert.Empty(errs)
	subs := map[rune]rune{'@': 'a', '0': 'o', '5': 's'}

	_, ok := rs.MatchName("5p@mb0t", subs)
	assert.True(ok)
	_, ok = rs.MatchName("5p@m-b0t!", subs)
	assert.True(ok)
	_, ok = rs.MatchName("alice", subs)
	assert.False(ok)
	_, ok = rs.MatchName("", subs)
	assert.False(ok)
}

func TestDiffRulesIdempotent(t *testing.T) {
	assert := assert.New(t)

	local := []string{"a", "b", "c"}
	incoming := []string{"b", "c", "d", "d"}

	added, removed := DiffRules(local, incoming)
	assert.Equal([]string{"d"}, added)
	assert.Equal([]string{"a"}, removed)

	merged := MergeRules(local, added, removed)
	assert.Equal([]string{"b", "c", "d"}, merged)

	// applying the same incoming set again changes nothing
	added, removed = DiffRules(merged, incoming)
	assert.Empty(added)
	assert.Empty(removed)
	assert.Equal(merged, MergeRules(merged, added, removed))
}

func TestDeriveSubstitutions(t *testing.T) {
	assert := assert.New(t)

	subs := DeriveSubstitutions([]string{
		"[@4áà]##map=a",
		"[0-2]##map=o",
		"[\\$5]##map=s",
		"plain rule",
		"[^x]##map=y",
		"(ab)##map=c",
	})
	assert.Equal(map[rune]rune{
		'@': 'a',
		'4': 'a',
		'á': 'a',
		'à': 'a',
		'0': 'o',
		'1': 'o',
		'2': 'o',
		'$': 's',
		'5': 's',
	}, subs)
}
