package challenge

import (
	"context"
	"fmt"
	"sync"

	"github.com/brianvoe/gofakeit/v6"
)

// ImageSource renders picture challenges. It is the only kind whose content comes from outside the process.
type ImageSource interface {
	Image(ctx context.Context, locale string) (url string, answer string, err error)
}

// Builtin generates every kind except custom from a seeded faker.
type Builtin struct {
	// optional; without it the image kind is unsupported
	Images ImageSource

	mu    sync.Mutex
	faker *gofakeit.Faker
}

var _ Generator = (*Builtin)(nil)

// NewBuiltin returns a generator; seed zero picks a random seed.
func NewBuiltin(seed int64, images ImageSource) *Builtin {
	return &Builtin{
		Images: images,
		faker:  gofakeit.New(seed),
	}
}

type generateFunc func(ctx context.Context, b *Builtin, locale string) (Challenge, error)

var generators = map[Kind]generateFunc{
	KindMath:   genMath,
	KindWord:   genWord,
	KindChoice: genChoice,
	KindImage:  genImage,
}

func (b *Builtin) Generate(ctx context.Context, kind Kind, locale string) (Challenge, error) {
	fn, ok := generators[kind]
	if !ok {
		return Challenge{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return fn(ctx, b, locale)
}

// Supports reports whether Generate can produce the kind.
func (b *Builtin) Supports(kind Kind) bool {
	if kind == KindImage {
		return b.Images != nil
	}
	_, ok := generators[kind]
	return ok
}

func genMath(ctx context.Context, b *Builtin, locale string) (Challenge, error) {
	b.mu.Lock()
	x := b.faker.Number(2, 19)
	y := b.faker.Number(2, 19)
	op := b.faker.Number(0, 2)
	b.mu.Unlock()

	var q string
	var a int
	switch op {
	case 0:
		q, a = fmt.Sprintf("%d + %d = ?", x, y), x+y
	case 1:
		if x < y {
			x, y = y, x
		}
		q, a = fmt.Sprintf("%d - %d = ?", x, y), x-y
	default:
		q, a = fmt.Sprintf("%d × %d = ?", x, y%10), x*(y%10)
	}
	return Challenge{Kind: KindMath, Question: q, Answer: fmt.Sprint(a), Budget: 3}, nil
}

func genWord(ctx context.Context, b *Builtin, locale string) (Challenge, error) {
	b.mu.Lock()
	w := b.faker.Noun()
	b.mu.Unlock()
	return Challenge{Kind: KindWord, Question: w, Answer: w, Budget: 3}, nil
}

// genChoice asks for the single animal among colors.
func genChoice(ctx context.Context, b *Builtin, locale string) (Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	animal := b.faker.Animal()
	seen := map[string]bool{animal: true}
	cands := []string{animal}
	for len(cands) < 4 {
		c := b.faker.Color()
		if seen[c] {
			continue
		}
		seen[c] = true
		cands = append(cands, c)
	}
	b.faker.ShuffleStrings(cands)
	return Challenge{Kind: KindChoice, Question: "animal", Answer: animal, Candidates: cands, Budget: 1}, nil
}

func genImage(ctx context.Context, b *Builtin, locale string) (Challenge, error) {
	if b.Images == nil {
		return Challenge{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, KindImage)
	}
	url, answer, err := b.Images.Image(ctx, locale)
	if err != nil {
		return Challenge{}, fmt.Errorf("rendering image challenge: %w", err)
	}
	return Challenge{Kind: KindImage, ImageURL: url, Answer: answer, Budget: 3}, nil
}
