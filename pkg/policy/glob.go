package policy

import "strings"

// MatchGlob matches a dot-separated path against a pattern where `*` stands
// for exactly one segment and `**` for any number of segments, including
// zero. Patterns are anchored at both ends.
func MatchGlob(pattern, path string) bool {
	if pattern == "" {
		return path == ""
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(path, "."))
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	head := pattern[0]
	if head == "**" {
		// Try consuming zero path segments, then one, and so on.
		for i := 0; i <= len(path); i++ {
			if matchSegments(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	}

	if len(path) == 0 {
		return false
	}
	if head == "*" {
		if path[0] == "" {
			return false
		}
	} else if head != path[0] {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}
