package wildcard

import "strings"

// Match reports whether text matches pattern. The pattern may contain
// '*' (any run of characters, including none) and '?' (exactly one
// character). Matching is case-insensitive.
func Match(pattern, text string) bool {
	return MatchCaseSensitive(strings.ToLower(pattern), strings.ToLower(text))
}

// MatchCaseSensitive is Match without case folding.
func MatchCaseSensitive(pattern, text string) bool {
	if pattern == "" {
		return text == ""
	}
	if pattern == "*" {
		return true
	}

	// Iterative glob match with single-star backtracking.
	var (
		p, t           int
		starIdx        = -1
		backtrackPoint int
	)
	for t < len(text) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == text[t]):
			p++
			t++
		case p < len(pattern) && pattern[p] == '*':
			starIdx = p
			backtrackPoint = t
			p++
		case starIdx != -1:
			p = starIdx + 1
			backtrackPoint++
			t = backtrackPoint
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
