package rules

import (
	"path"
	"strings"
)

// MatchGlob reports whether a slash-separated file path matches a glob
// pattern. Within a segment the usual glob atoms apply (*, ?, [...]); a **
// token matches zero or more whole segments. A pattern without a separator
// also matches against the path's trailing component, so "*.go" matches
// "src/main.go".
func MatchGlob(pattern, filePath string) bool {
	pattern = strings.TrimPrefix(path.Clean(pattern), "./")
	filePath = strings.TrimPrefix(path.Clean(filePath), "./")

	if !strings.Contains(pattern, "**") {
		return matchPlain(pattern, filePath)
	}

	// Split around the first ** and try every segment count it could
	// consume; the suffix may itself contain further ** tokens.
	idx := strings.Index(pattern, "**")
	prefix := strings.TrimSuffix(pattern[:idx], "/")
	suffix := strings.TrimPrefix(pattern[idx+2:], "/")

	segments := strings.Split(filePath, "/")
	for i := 0; i <= len(segments); i++ {
		head := strings.Join(segments[:i], "/")
		if !matchExact(prefix, head) {
			continue
		}
		// A trailing ** consumes whatever remains.
		if suffix == "" {
			return true
		}
		for j := i; j <= len(segments); j++ {
			tail := strings.Join(segments[j:], "/")
			if MatchGlob(suffix, tail) {
				return true
			}
		}
	}
	return false
}

// matchPlain applies standard glob matching, plus the bare-name rule: a
// pattern without a separator may match just the trailing component.
func matchPlain(pattern, filePath string) bool {
	if matchExact(pattern, filePath) {
		return true
	}
	if !strings.Contains(pattern, "/") {
		return matchExact(pattern, path.Base(filePath))
	}
	return false
}

// matchExact is path.Match with malformed patterns treated as non-matches.
func matchExact(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
