// tfidf.go scores string similarity for the cosine_tfidf method.

package validation

import (
	"math"
	"strings"
	"unicode"
)

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// cosineTFIDF vectorizes both strings with TF-IDF over the two-document
// corpus and returns their cosine similarity in [0, 1]. Identical
// strings score 1; disjoint vocabularies score 0.
func cosineTFIDF(a, b string) float64 {
	if a == b {
		return 1
	}
	tokensA, tokensB := tokenize(a), tokenize(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	tfA := termFrequencies(tokensA)
	tfB := termFrequencies(tokensB)

	// Smoothed IDF over the two-document corpus; terms in both documents
	// still carry weight instead of vanishing.
	idf := func(term string) float64 {
		df := 0.0
		if _, ok := tfA[term]; ok {
			df++
		}
		if _, ok := tfB[term]; ok {
			df++
		}
		return math.Log(1+2/df) + 1
	}

	var dot, normA, normB float64
	for term, fa := range tfA {
		wa := fa * idf(term)
		normA += wa * wa
		if fb, ok := tfB[term]; ok {
			dot += wa * fb * idf(term)
		}
	}
	for term, fb := range tfB {
		wb := fb * idf(term)
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func termFrequencies(tokens []string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range tokens {
		tf[tok]++
	}
	for term := range tf {
		tf[term] /= float64(len(tokens))
	}
	return tf
}
