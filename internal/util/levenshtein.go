package util

// Levenshtein returns the edit distance between a and b using the standard
// Wagner-Fischer dynamic-programming table. Used to suggest a near-match
// qualified rule name for UnknownTarget errors.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)

	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// ClosestMatch returns the candidate closest to target by edit distance, if
// its distance is <= maxDistance. Returns "" if no candidate qualifies.
func ClosestMatch(target string, candidates []string, maxDistance int) string {
	best := ""
	bestDist := maxDistance + 1
	for _, c := range candidates {
		d := Levenshtein(target, c)
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	if bestDist > maxDistance {
		return ""
	}
	return best
}
