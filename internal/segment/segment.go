// Package segment splits request text into bounded units that are safe to
// hand to a synthesis model in a single pass. Long inputs destabilize the
// model, so text is cut on sentence boundaries first and clause boundaries
// when a single sentence is still too long.
package segment

import (
	"strings"
	"unicode/utf8"
)

const (
	sentenceEnders = ".!?"
	clauseEnders   = ",;:-"
)

// Normalize collapses whitespace runs to single spaces and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Split breaks text into ordered units of at most maxLen runes. Sentences are
// packed greedily; a sentence that exceeds maxLen on its own is split on
// clause boundaries instead. A clause that still exceeds maxLen is kept whole
// rather than broken mid-word, so a single oversized unit is possible on
// degenerate input. Joining the units with single spaces reproduces the
// normalized text.
func Split(text string, maxLen int) []string {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}
	if utf8.RuneCountInString(normalized) <= maxLen {
		return []string{normalized}
	}

	var units []string
	current := ""

	flush := func() {
		if current != "" {
			units = append(units, current)
			current = ""
		}
	}
	pack := func(piece string) {
		if current == "" {
			current = piece
		} else {
			current = current + " " + piece
		}
	}

	for _, sentence := range splitAfterAny(normalized, sentenceEnders) {
		if fits(current, sentence, maxLen) {
			pack(sentence)
			continue
		}
		flush()
		if utf8.RuneCountInString(sentence) <= maxLen {
			current = sentence
			continue
		}
		for _, clause := range splitAfterAny(sentence, clauseEnders) {
			if fits(current, clause, maxLen) {
				pack(clause)
				continue
			}
			flush()
			current = clause
		}
	}
	flush()

	return units
}

// fits reports whether piece can join the current buffer (plus one joining
// space) without exceeding maxLen runes.
func fits(current, piece string, maxLen int) bool {
	return utf8.RuneCountInString(current)+utf8.RuneCountInString(piece)+1 <= maxLen
}

// splitAfterAny splits s after any byte in enders that is followed by a
// space, keeping the boundary punctuation attached to the preceding part and
// consuming the space. The input is assumed whitespace-normalized, so a
// single space is the only separator that can occur.
func splitAfterAny(s, enders string) []string {
	var parts []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if strings.IndexByte(enders, s[i]) >= 0 && s[i+1] == ' ' {
			parts = append(parts, s[start:i+1])
			start = i + 2
			i++
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}
