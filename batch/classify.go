package batch

import "strings"

// defaultExcludedPrefixes is §4.4's default exclusion list: commands whose
// own output framing or interactive nature makes them unsafe to coalesce
// with other members in one round trip.
var defaultExcludedPrefixes = []string{
	"!analyze", "!dump", "!heap", "!memusage", "!runaway",
	"~*k", "!locks", "!cs", "!gchandles",
}

// IsEligible reports whether commandText may be folded into a batch,
// given an exclusion prefix list (case-insensitive, matched against the
// trimmed command text).
func IsEligible(commandText string, excludedPrefixes []string) bool {
	trimmed := strings.TrimSpace(commandText)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range excludedPrefixes {
		p := strings.ToLower(strings.TrimSpace(prefix))
		if p == "" {
			continue
		}
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}
