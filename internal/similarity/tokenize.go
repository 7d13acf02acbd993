package similarity

import (
	"strings"
	"unicode"
)

// Tokenize splits a string into lowercase word tokens.
// Word characters are letters, digits, and underscores.
func Tokenize(s string) []string {
	words := make([]string, 0)
	var current strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			current.WriteRune(unicode.ToLower(r))
		} else if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}
	return words
}
