package livetail

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/k-sone/critbitgo"
)

type patternType int

const (
	patternTypeNone patternType = iota
	patternTypePrefix
	patternTypeSuffix
	patternTypeSubstring
	patternTypePattern
	patternTypeExact
)

// questionMatcher matches query names against a set of patterns:
// "example.com" or "*.example.com" (suffix), "ads*" (prefix),
// "*track*" (substring), "=example.com" (exact) and globs.
type questionMatcher struct {
	prefixes   *critbitgo.Trie
	suffixes   *critbitgo.Trie
	substrings []string
	patterns   []string
	exact      map[string]struct{}
}

func newQuestionMatcher() *questionMatcher {
	return &questionMatcher{
		prefixes: critbitgo.NewTrie(),
		suffixes: critbitgo.NewTrie(),
		exact:    make(map[string]struct{}),
	}
}

func isGlobCandidate(str string) bool {
	for i, c := range str {
		if c == '?' || c == '[' {
			return true
		} else if c == '*' && i != 0 && i != len(str)-1 {
			return true
		}
	}
	return false
}

func (matcher *questionMatcher) add(pattern string) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	leadingStar := strings.HasPrefix(pattern, "*")
	trailingStar := strings.HasSuffix(pattern, "*")
	kind := patternTypeNone

	if isGlobCandidate(pattern) {
		kind = patternTypePattern
		if _, err := filepath.Match(pattern, "example.com"); len(pattern) < 2 || err != nil {
			return fmt.Errorf("Syntax error in question pattern [%s]", pattern)
		}
	} else if leadingStar && trailingStar {
		kind = patternTypeSubstring
		if len(pattern) < 3 {
			return fmt.Errorf("Syntax error in question pattern [%s]", pattern)
		}
		pattern = pattern[1 : len(pattern)-1]
	} else if trailingStar {
		kind = patternTypePrefix
		if len(pattern) < 2 {
			return fmt.Errorf("Syntax error in question pattern [%s]", pattern)
		}
		pattern = pattern[:len(pattern)-1]
	} else if strings.HasPrefix(pattern, "=") {
		kind = patternTypeExact
		pattern = strings.TrimSuffix(pattern[1:], ".")
	} else {
		kind = patternTypeSuffix
		pattern = strings.TrimPrefix(pattern, "*")
		pattern = strings.TrimSuffix(strings.TrimPrefix(pattern, "."), ".")
	}
	if len(pattern) == 0 {
		return fmt.Errorf("Empty question pattern")
	}

	switch kind {
	case patternTypeSubstring:
		matcher.substrings = append(matcher.substrings, pattern)
	case patternTypePattern:
		matcher.patterns = append(matcher.patterns, pattern)
	case patternTypePrefix:
		matcher.prefixes.Insert([]byte(pattern), true)
	case patternTypeSuffix:
		matcher.suffixes.Insert([]byte(stringReverse(pattern)), true)
	case patternTypeExact:
		matcher.exact[pattern] = struct{}{}
	}
	return nil
}

func (matcher *questionMatcher) match(qName string) bool {
	qName = strings.ToLower(strings.TrimSuffix(qName, "."))
	if len(qName) == 0 {
		return false
	}
	if _, found := matcher.exact[qName]; found {
		return true
	}
	revQName := stringReverse(qName)
	if match, _, found := matcher.suffixes.LongestPrefix([]byte(revQName)); found {
		if len(match) == len(revQName) || revQName[len(match)] == '.' {
			return true
		}
		// a shorter registered suffix may still end on a label boundary
		for i := strings.LastIndex(revQName[:len(match)], "."); i > 0; i = strings.LastIndex(revQName[:i], ".") {
			if _, found := matcher.suffixes.Get([]byte(revQName[:i])); found {
				return true
			}
		}
	}
	if _, _, found := matcher.prefixes.LongestPrefix([]byte(qName)); found {
		return true
	}
	for _, substring := range matcher.substrings {
		if strings.Contains(qName, substring) {
			return true
		}
	}
	for _, pattern := range matcher.patterns {
		if found, _ := filepath.Match(pattern, qName); found {
			return true
		}
	}
	return false
}

func stringReverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
