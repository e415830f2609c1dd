package checkpoint

import (
	"path"
	"strings"
)

// GlobMatch matches archive-relative forward-slash paths against a
// pattern supporting "*" (within one segment) and "**" (zero or more
// segments). Other metacharacters follow path.Match per segment.
func GlobMatch(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) == 0 {
		return len(segments) == 0
	}
	if pattern[0] == "**" {
		// Zero segments...
		if matchSegments(pattern[1:], segments) {
			return true
		}
		// ...or consume one and keep the doublestar active.
		return len(segments) > 0 && matchSegments(pattern, segments[1:])
	}
	if len(segments) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segments[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segments[1:])
}
