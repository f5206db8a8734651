// Package textnorm canonicalizes utterance text so that rule matching is not
// defeated by casing, leetspeak digits or separators inserted between letters.
package textnorm

import (
	"strings"
	"unicode"
)

// leetReplacer folds the common leetspeak substitutions back to letters.
var leetReplacer = strings.NewReplacer(
	"@", "a",
	"$", "s",
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
)

// Normalize lowercases text, folds leetspeak, turns every run of non-word
// runes (punctuation, symbols, separators, underscore, whitespace) into a
// single ASCII space and trims the result.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	folded := leetReplacer.Replace(strings.ToLower(text))

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if !isWordRune(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func isWordRune(r rune) bool {
	switch {
	case r >= 0x2000 && r <= 0x206F, r >= 0x2E00 && r <= 0x2E7F:
		// general and supplemental punctuation blocks
		return false
	case r == '_':
		return false
	}
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
