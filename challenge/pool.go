package challenge

import (
	"math/rand/v2"
	"strings"
)

type Weighted struct {
	Kind   Kind
	Weight int
}

// Pool chooses a kind by locale. Locales are matched by language prefix ("zh-hans" uses "zh"), falling back to Default.
type Pool struct {
	Default []Weighted
	Locales map[string][]Weighted
}

// DefaultPool favors arithmetic and spares non-Latin locales the English word challenge.
func DefaultPool() Pool {
	return Pool{
		Default: []Weighted{{KindMath, 3}, {KindWord, 2}, {KindChoice, 2}},
		Locales: map[string][]Weighted{
			"zh": {{KindMath, 4}, {KindChoice, 1}},
			"ja": {{KindMath, 4}, {KindChoice, 1}},
			"ar": {{KindMath, 4}, {KindChoice, 1}},
		},
	}
}

// Without returns a copy of the pool with the given kinds removed everywhere.
func (p Pool) Without(kinds ...Kind) Pool {
	drop := func(ws []Weighted) []Weighted {
		var out []Weighted
	outer:
		for _, w := range ws {
			for _, k := range kinds {
				if w.Kind == k {
					continue outer
				}
			}
			out = append(out, w)
		}
		return out
	}
	np := Pool{Default: drop(p.Default), Locales: make(map[string][]Weighted, len(p.Locales))}
	for l, ws := range p.Locales {
		np.Locales[l] = drop(ws)
	}
	return np
}

func (p Pool) entries(locale string) []Weighted {
	locale = strings.ToLower(locale)
	if ws, ok := p.Locales[locale]; ok && len(ws) > 0 {
		return ws
	}
	if lang, _, ok := strings.Cut(locale, "-"); ok {
		if ws, ok := p.Locales[lang]; ok && len(ws) > 0 {
			return ws
		}
	}
	return p.Default
}

// Pick draws a kind; rnd nil uses the global source. An empty pool yields KindMath.
func (p Pool) Pick(locale string, rnd *rand.Rand) Kind {
	ws := p.entries(locale)
	total := 0
	for _, w := range ws {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	if total == 0 {
		return KindMath
	}
	var n int
	if rnd != nil {
		n = rnd.IntN(total)
	} else {
		n = rand.IntN(total)
	}
	for _, w := range ws {
		if w.Weight <= 0 {
			continue
		}
		if n < w.Weight {
			return w.Kind
		}
		n -= w.Weight
	}
	return ws[len(ws)-1].Kind
}
