package scanner

import "strings"

// Normalize trims the surrounding whitespace a typed or decoded candidate
// tends to carry before it reaches the assignment path.
func Normalize(raw string) string {
	return strings.TrimSpace(raw)
}

// LooksLikeCode is the cheap client-side pre-filter for manual entry: a
// non-empty prefixed token with the underscore delimiter. It is UX-only;
// the assignment engine re-validates authoritatively.
func LooksLikeCode(candidate string) bool {
	candidate = Normalize(candidate)
	idx := strings.Index(candidate, "_")
	return idx > 0 && idx < len(candidate)-1
}
