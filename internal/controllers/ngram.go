package controllers

import "strings"

const (
	ngramSize = 3
	ngramPad  = "$$"
)

// trigrams returns the padded 3-gram multiset of a folded string
func trigrams(s string) map[string]int {
	runes := []rune(ngramPad + s + ngramPad)
	grams := make(map[string]int, len(runes))
	for i := 0; i+ngramSize <= len(runes); i++ {
		grams[string(runes[i:i+ngramSize])]++
	}
	return grams
}

// NGramDistance returns 1 - |shared|/|union| over the padded 3-gram multisets of
// both titles. Identical titles score 0 and titles sharing no 3-gram score 1.
func NGramDistance(a, b string) float64 {
	a, b = foldTitle(a), foldTitle(b)
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 1
	}

	ga, gb := trigrams(a), trigrams(b)

	var totalA, totalB, shared int
	for gram, n := range ga {
		totalA += n
		if m, ok := gb[gram]; ok {
			shared += min(n, m)
		}
	}
	for _, m := range gb {
		totalB += m
	}

	return 1 - float64(shared)/float64(totalA+totalB-shared)
}
