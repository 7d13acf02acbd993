// Package similarity compares short texts such as procedure steps by
// word overlap.
package similarity

// Jaccard returns the Jaccard index of two token sets.
// Two empty sets are identical; one empty set shares nothing.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[w] = true
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[w] = true
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// Content calculates the Jaccard similarity of the words of two strings.
func Content(a, b string) float64 {
	return Jaccard(Tokenize(a), Tokenize(b))
}

// Sequence compares two lists of texts by the words they use, ignoring
// order. It returns 1.0 when both lists are empty.
func Sequence(a, b []string) float64 {
	var wordsA, wordsB []string
	for _, s := range a {
		wordsA = append(wordsA, Tokenize(s)...)
	}
	for _, s := range b {
		wordsB = append(wordsB, Tokenize(s)...)
	}
	return Jaccard(wordsA, wordsB)
}
