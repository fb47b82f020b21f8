// Package moderation screens message content and escalates repeated
// violations into temporary mutes.
package moderation

import (
	"fmt"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Screener is a case-insensitive substring matcher over a denylist. It is
// immutable after construction and safe for concurrent use.
type Screener struct {
	matcher *goahocorasick.Machine
}

// NewScreener builds the automaton. Blank words are ignored; an empty list
// yields a screener that allows everything.
func NewScreener(denylist []string) (*Screener, error) {
	words := lo.Uniq(lo.FilterMap(denylist, func(w string, _ int) (string, bool) {
		w = strings.TrimSpace(w)
		return string(lowerRunes(w)), w != ""
	}))
	if len(words) == 0 {
		return &Screener{}, nil
	}

	patterns := lo.Map(words, func(w string, _ int) []rune { return []rune(w) })
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, fmt.Errorf("failed to build denylist matcher: %w", err)
	}
	return &Screener{matcher: m}, nil
}

// Blocked reports whether content contains any denylisted term.
func (s *Screener) Blocked(content string) bool {
	if s.matcher == nil || content == "" {
		return false
	}
	return len(s.matcher.MultiPatternSearch(lowerRunes(content), true)) > 0
}

// Matches returns the distinct denylisted terms found in content.
func (s *Screener) Matches(content string) []string {
	if s.matcher == nil || content == "" {
		return nil
	}
	terms := s.matcher.MultiPatternSearch(lowerRunes(content), false)
	return lo.Uniq(lo.Map(terms, func(t *goahocorasick.Term, _ int) string { return string(t.Word) }))
}

func lowerRunes(s string) []rune {
	runes := []rune(s)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}
