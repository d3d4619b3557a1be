package rules

import "regexp"

var (
	manualRefPattern   = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)
	backtickRefPattern = regexp.MustCompile("`([^`\\s]+\\.[A-Za-z0-9]+)`")
	prefixRefPattern   = regexp.MustCompile(`\b(?:file|path):(\S+)`)
)

// References holds what ExtractReferences found in free text.
type References struct {
	ManualRefs []string // @name mentions, activating manual rules
	FileRefs   []string // backticked filenames and file:/path: tokens
}

// ExtractReferences pulls rule and file references out of a user query so
// manual rules and file-match rules can react to plain text. Results keep
// first-mention order with duplicates removed.
func ExtractReferences(text string) References {
	var refs References
	seenManual := make(map[string]bool)
	seenFile := make(map[string]bool)

	for _, m := range manualRefPattern.FindAllStringSubmatch(text, -1) {
		if name := m[1]; !seenManual[name] {
			seenManual[name] = true
			refs.ManualRefs = append(refs.ManualRefs, name)
		}
	}
	for _, m := range backtickRefPattern.FindAllStringSubmatch(text, -1) {
		if file := m[1]; !seenFile[file] {
			seenFile[file] = true
			refs.FileRefs = append(refs.FileRefs, file)
		}
	}
	for _, m := range prefixRefPattern.FindAllStringSubmatch(text, -1) {
		if file := m[1]; !seenFile[file] {
			seenFile[file] = true
			refs.FileRefs = append(refs.FileRefs, file)
		}
	}
	return refs
}
