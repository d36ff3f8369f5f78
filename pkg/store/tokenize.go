package store

import (
	"strings"
	"unicode"
)

// Tokenize splits text into lowercase terms on any non-alphanumeric rune.
// Backends share it so query terms line up with stored term weights.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
