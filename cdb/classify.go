package cdb

import "strings"

// complexCommandPrefixes is the prefix list from §4.1: these commands use
// complexCommandTimeoutMs instead of baseCommandTimeoutMs.
var complexCommandPrefixes = []string{
	"!analyze", "!heap", "!address", "!process", "!thread",
	"!locks", "!handle", "!gflags", "!ext", "!sym", "!peb", "!teb",
}

// IsComplexCommand reports whether the trimmed commandText starts with one
// of the fixed complexCommandPrefixes (case-insensitive prefix match).
func IsComplexCommand(commandText string) bool {
	trimmed := strings.TrimSpace(commandText)
	lower := strings.ToLower(trimmed)
	for _, prefix := range complexCommandPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
