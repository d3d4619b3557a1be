package rules

import (
	"fmt"
	"sort"
	"strings"
)

// opposingKeywords drives the contradictory-content heuristic: a pair of
// rules where one side's words appear in one rule and the other side's in the
// other is flagged. Purely advisory.
var opposingKeywords = [][2][]string{
	{{"always", "must", "required"}, {"never", "forbidden", "prohibited"}},
	{{"enable", "allow", "permit"}, {"disable", "deny", "block"}},
	{{"include", "add"}, {"exclude", "remove"}},
}

// DetectConflicts reports advisory conflicts across a rule set: same-name
// groups (with the precedence winner identified) and heuristic contradictory
// content warnings. The result never feeds back into the merge.
func DetectConflicts(rules []*Rule) []Conflict {
	var conflicts []Conflict

	byName := make(map[string][]*Rule)
	names := make([]string, 0)
	for _, rule := range rules {
		if _, ok := byName[rule.Name]; !ok {
			names = append(names, rule.Name)
		}
		byName[rule.Name] = append(byName[rule.Name], rule)
	}
	sort.Strings(names)

	for _, name := range names {
		group := byName[name]
		if len(group) < 2 {
			continue
		}
		winner := group[0]
		for _, rule := range group[1:] {
			if rule.Scope.Priority() > winner.Scope.Priority() ||
				(rule.Scope.Priority() == winner.Scope.Priority() && rule.Priority > winner.Priority) {
				winner = rule
			}
		}
		conflicts = append(conflicts, Conflict{
			Type:    ConflictSameName,
			Rules:   []string{name},
			Winner:  string(winner.Scope),
			Message: fmt.Sprintf("%d rules named %q, %s scope wins", len(group), name, winner.Scope),
		})
	}

	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			if pair, ok := contradicts(rules[i].Content, rules[j].Content); ok {
				conflicts = append(conflicts, Conflict{
					Type:  ConflictContradictory,
					Rules: []string{rules[i].Name, rules[j].Name},
					Message: fmt.Sprintf("rules %q and %q use opposing terms (%s vs %s)",
						rules[i].Name, rules[j].Name, pair[0], pair[1]),
				})
			}
		}
	}
	return conflicts
}

// contradicts checks one content pair against the keyword table and returns
// the first opposing terms found.
func contradicts(a, b string) ([2]string, bool) {
	lowerA, lowerB := strings.ToLower(a), strings.ToLower(b)
	for _, group := range opposingKeywords {
		if left, right, ok := crossMatch(lowerA, lowerB, group[0], group[1]); ok {
			return [2]string{left, right}, true
		}
		if left, right, ok := crossMatch(lowerB, lowerA, group[0], group[1]); ok {
			return [2]string{right, left}, true
		}
	}
	return [2]string{}, false
}

func crossMatch(a, b string, left, right []string) (string, string, bool) {
	foundLeft := ""
	for _, word := range left {
		if containsWord(a, word) {
			foundLeft = word
			break
		}
	}
	if foundLeft == "" {
		return "", "", false
	}
	for _, word := range right {
		if containsWord(b, word) {
			return foundLeft, word, true
		}
	}
	return "", "", false
}

// containsWord matches on word boundaries so "allow" does not hit "shallow".
func containsWord(text, word string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(word)
		beforeOK := idx == 0 || !isWordChar(text[idx-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
