package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches letter/digit runs; everything else is punctuation
// and gets dropped.
var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize splits prose into case-folded terms with punctuation
// stripped. No stemming: "dogs" and "dog" are distinct terms.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}

// termFrequencies counts term occurrences in one chunk.
func termFrequencies(text string) (map[string]int, int) {
	tokens := Tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf, len(tokens)
}
