package challenge

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesky-social/gatekeep/state"
)

func TestBuiltinKinds(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	b := NewBuiltin(42, nil)

	c, err := b.Generate(ctx, KindMath, "en")
	require.NoError(err)
	_, err = strconv.Atoi(c.Answer)
	assert.NoError(err)
	assert.Equal(3, c.Budget)

	c, err = b.Generate(ctx, KindWord, "en")
	require.NoError(err)
	assert.NotEmpty(c.Answer)
	assert.Equal(c.Question, c.Answer)

	c, err = b.Generate(ctx, KindChoice, "en")
	require.NoError(err)
	assert.Len(c.Candidates, 4)
	assert.True(slices.Contains(c.Candidates, c.Answer))
	assert.Equal(1, c.Budget)

	_, err = b.Generate(ctx, KindImage, "en")
	assert.ErrorIs(err, ErrUnsupportedKind)
	assert.False(b.Supports(KindImage))

	_, err = b.Generate(ctx, KindCustom, "en")
	assert.ErrorIs(err, ErrUnsupportedKind)
}

type fixedImages struct{ err error }

func (f fixedImages) Image(ctx context.Context, locale string) (string, string, error) {
	return "https://img.example/1.png", "K7Q2", f.err
}

func TestBuiltinImage(t *testing.T) {
	assert := assert.New(t)
	b := NewBuiltin(1, fixedImages{})
	c, err := b.Generate(context.Background(), KindImage, "en")
	assert.NoError(err)
	assert.Equal("K7Q2", c.Answer)
	assert.Equal("https://img.example/1.png", c.ImageURL)

	b = NewBuiltin(1, fixedImages{err: errors.New("renderer down")})
	_, err = b.Generate(context.Background(), KindImage, "en")
	assert.Error(err)
}

func TestCustom(t *testing.T) {
	assert := assert.New(t)

	c, err := Custom(state.CustomQuestion{Question: "Group mascot?", Answers: []string{"Otter"}})
	assert.NoError(err)
	assert.Equal("Otter", c.Answer)
	assert.Empty(c.Candidates)

	c, err = Custom(state.CustomQuestion{Question: "Pick blue", Answers: []string{"blue", "red", "green"}})
	assert.NoError(err)
	assert.Equal("blue", c.Answer)
	assert.Len(c.Candidates, 3)
	assert.Equal(1, c.Budget)

	_, err = Custom(state.CustomQuestion{Question: "x"})
	assert.Error(err)

	rec := c.Record(55, 1000)
	assert.Equal(55, rec.MessageID)
	assert.Equal("custom", rec.Kind)
}

func TestPoolPick(t *testing.T) {
	assert := assert.New(t)
	p := DefaultPool()
	rnd := rand.New(rand.NewPCG(1, 2))

	counts := map[Kind]int{}
	for range 700 {
		counts[p.Pick("en", rnd)]++
	}
	assert.Greater(counts[KindMath], counts[KindWord])
	assert.Greater(counts[KindWord], 0)
	assert.Greater(counts[KindChoice], 0)

	for range 200 {
		assert.NotEqual(KindWord, p.Pick("zh-hans", rnd))
	}

	only := p.Without(KindWord, KindChoice)
	for range 50 {
		assert.Equal(KindMath, only.Pick("fr", rnd))
	}
	assert.Equal(KindMath, Pool{}.Pick("en", rnd))
}

func TestParseKind(t *testing.T) {
	assert := assert.New(t)
	k, err := ParseKind("Math")
	assert.NoError(err)
	assert.Equal(KindMath, k)
	_, err = ParseKind("audio")
	assert.ErrorIs(err, ErrUnsupportedKind)
}
