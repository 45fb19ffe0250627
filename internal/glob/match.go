package glob

// MatchPattern reports whether name matches pattern.
//
// The pattern language is a single path segment: '*' matches any run of
// characters (including none) and '?' matches exactly one character. There
// are no character classes and no escaping.
//
// Matching is done in one left-to-right pass. A '*' peeks at the pattern
// character that follows it and stops consuming as soon as that character
// can match; if the rest of the pattern then fails, the scan resumes from the
// most recent '*' with one more character consumed.
func MatchPattern(pattern, name string) bool {
	p := []rune(pattern)
	s := []rune(name)

	pi, si := 0, 0
	star, mark := -1, 0

	for si < len(s) {
		switch {
		case pi < len(p) && p[pi] == '*':
			for pi < len(p) && p[pi] == '*' {
				pi++
			}
			if pi == len(p) {
				return true
			}
			star, mark = pi, si
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case star >= 0:
			mark++
			pi, si = star, mark
		default:
			return false
		}
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// HasWildcard reports whether s contains a glob metacharacter.
func HasWildcard(s string) bool {
	return wildcardIndex(s) >= 0
}

func wildcardIndex(s string) int {
	for i, r := range s {
		if r == '*' || r == '?' {
			return i
		}
	}
	return -1
}
