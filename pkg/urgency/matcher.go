// Package urgency detects clinical-urgency keywords in transcribed speech.
package urgency

import (
	"slices"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// PriorityKeywords raise a professional tip to high priority.
var PriorityKeywords = []string{
	"pain", "painful", "emergency", "severe", "urgent", "critical",
	"dor", "emergência", "emergencia", "grave", "urgente", "crítico", "critico",
}

// TriggerKeywords start an immediate tip cycle when heard in a transcript.
var TriggerKeywords = append(slices.Clone(PriorityKeywords),
	"help", "ajuda", "socorro",
)

// Matcher reports whether text contains any of its keywords as whole words,
// case-insensitively. "dor" matches "a dor passou" but not "corridor".
type Matcher struct {
	machine  *goahocorasick.Machine
	keywords []string
}

// NewMatcher builds the automaton for words. Blank words are ignored; an empty
// list yields a matcher that never matches.
func NewMatcher(words []string) (*Matcher, error) {
	patterns := normalizeWords(words)
	m := &Matcher{keywords: make([]string, len(patterns))}
	for i, p := range patterns {
		m.keywords[i] = string(p)
	}
	if len(patterns) == 0 {
		return m, nil
	}

	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	m.machine = machine

	return m, nil
}

// MustMatcher is NewMatcher for static keyword lists.
func MustMatcher(words []string) *Matcher {
	m, err := NewMatcher(words)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Matcher) Match(text string) bool {
	if m == nil || m.machine == nil {
		return false
	}

	content := lowerRunes(text)
	if len(content) == 0 {
		return false
	}

	for _, term := range m.machine.MultiPatternSearch(content, false) {
		if wholeWord(content, term) {
			return true
		}
	}
	return false
}

// Find returns the distinct keywords present in text, in order of first appearance.
func (m *Matcher) Find(text string) []string {
	if m == nil || m.machine == nil {
		return nil
	}

	content := lowerRunes(text)
	var found []string
	for _, term := range m.machine.MultiPatternSearch(content, false) {
		if !wholeWord(content, term) {
			continue
		}
		word := string(term.Word)
		if !slices.Contains(found, word) {
			found = append(found, word)
		}
	}
	return found
}

// Keywords returns the normalised keyword list.
func (m *Matcher) Keywords() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.keywords)
}

// wholeWord reports whether term is bounded by non-word runes or the ends of content.
func wholeWord(content []rune, term *goahocorasick.Term) bool {
	start, end := term.Pos, term.Pos+len(term.Word)
	if start > 0 && isWordRune(content[start-1]) {
		return false
	}
	return end >= len(content) || !isWordRune(content[end])
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// normalizeWords lowercases, deduplicates and sorts the patterns.
func normalizeWords(words []string) [][]rune {
	seen := make(map[string]struct{}, len(words))
	unique := make([]string, 0, len(words))
	for _, word := range words {
		normalized := string(lowerRunes(strings.TrimSpace(word)))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		unique = append(unique, normalized)
	}
	slices.Sort(unique)

	patterns := make([][]rune, len(unique))
	for i, word := range unique {
		patterns[i] = []rune(word)
	}
	return patterns
}

func lowerRunes(text string) []rune {
	runes := []rune(text)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}
