// Package search ranks short names, like institution IDs and names, against a user's query
package search

import (
	"sort"
	"strings"
)

// Scores for a single name. Higher is a better match.
const (
	noMatch = iota - 1
	initialismMatch
	containsMatch
	prefixMatch
)

// score assumes name and query are the same case
func score(name, query string) int {
	switch {
	case strings.HasPrefix(name, query):
		return prefixMatch
	case strings.Contains(name, query):
		return containsMatch
	case matchesInitialism(name, query):
		return initialismMatch
	default:
		return noMatch
	}
}

// matchesInitialism returns true if query picks out the first letters of name's words, in order.
// Assumes inputs are the same case.
func matchesInitialism(name, query string) bool {
	for _, word := range strings.FieldsFunc(name, isSeparator) {
		if len(query) == 0 {
			return true
		}
		if word[0] == query[0] {
			query = query[1:]
		}
	}
	return len(query) == 0
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '-', '_', '.':
		return true
	default:
		return false
	}
}

// Rank returns the indexes of items matching query, best first. Each item is scored by its best matching name.
// An empty query matches everything in order.
func Rank(items [][]string, query string) []int {
	query = strings.ToLower(strings.TrimSpace(query))
	type scored struct {
		index int
		score int
	}
	var scores []scored
	for i, names := range items {
		best := noMatch
		for _, name := range names {
			if s := score(strings.ToLower(name), query); s > best {
				best = s
			}
		}
		if best > noMatch {
			scores = append(scores, scored{index: i, score: best})
		}
	}
	sort.SliceStable(scores, func(a, b int) bool {
		return scores[a].score > scores[b].score
	})
	results := make([]int, len(scores))
	for i, s := range scores {
		results[i] = s.index
	}
	return results
}
