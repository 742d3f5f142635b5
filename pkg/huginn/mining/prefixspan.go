// prefixspan.go implements sequential pattern mining by pattern-growth.
//
// PrefixSpan recursively grows a prefix pattern, projecting the sequence
// database to the suffixes following the prefix's first occurrence in
// each sequence. Support counts distinct sequences containing the
// pattern as a subsequence. Projection by first occurrence is sufficient
// for subsequence support: if a sequence contains the extended pattern
// at all, it contains it with the prefix matched as early as possible.

package mining

import "sort"

// pattern is a mined tool sequence with its absolute support count.
type pattern struct {
	tools   []string
	support int
}

// projection locates the live suffix of one sequence: the sequence index
// and the position after the prefix's earliest match.
type projection struct {
	seq int
	pos int
}

// prefixSpan mines all patterns of length in [2, maxLen] with absolute
// support ≥ minAbs. Output order is deterministic: depth-first growth
// with extensions visited in lexical order.
func prefixSpan(sequences [][]string, minAbs, maxLen int) []pattern {
	if minAbs < 1 {
		minAbs = 1
	}

	initial := make([]projection, len(sequences))
	for i := range sequences {
		initial[i] = projection{seq: i, pos: 0}
	}

	var out []pattern
	grow(sequences, nil, initial, minAbs, maxLen, &out)
	return out
}

func grow(sequences [][]string, prefix []string, proj []projection, minAbs, maxLen int, out *[]pattern) {
	if len(prefix) == maxLen {
		return
	}

	// Count, per candidate extension, the sequences whose live suffix
	// contains it, remembering the earliest match for the next projection.
	counts := make(map[string]int)
	firstPos := make(map[string]map[int]int)
	for _, p := range proj {
		seq := sequences[p.seq]
		seen := make(map[string]bool)
		for i := p.pos; i < len(seq); i++ {
			tool := seq[i]
			if seen[tool] {
				continue
			}
			seen[tool] = true
			counts[tool]++
			if firstPos[tool] == nil {
				firstPos[tool] = make(map[int]int)
			}
			firstPos[tool][p.seq] = i
		}
	}

	exts := make([]string, 0, len(counts))
	for tool, n := range counts {
		if n >= minAbs {
			exts = append(exts, tool)
		}
	}
	sort.Strings(exts)

	for _, tool := range exts {
		extended := append(append([]string(nil), prefix...), tool)

		next := make([]projection, 0, counts[tool])
		for _, p := range proj {
			if pos, ok := firstPos[tool][p.seq]; ok {
				next = append(next, projection{seq: p.seq, pos: pos + 1})
			}
		}

		if len(extended) >= 2 {
			*out = append(*out, pattern{tools: extended, support: counts[tool]})
		}
		grow(sequences, extended, next, minAbs, maxLen, out)
	}
}

// containsSubsequence reports whether seq contains sub in order, not
// necessarily contiguously.
func containsSubsequence(seq, sub []string) bool {
	if len(sub) == 0 {
		return true
	}
	i := 0
	for _, tool := range seq {
		if tool == sub[i] {
			i++
			if i == len(sub) {
				return true
			}
		}
	}
	return false
}

// isStrictSubsequence reports whether a is a strict subsequence of b.
func isStrictSubsequence(a, b []string) bool {
	return len(a) < len(b) && containsSubsequence(b, a)
}
