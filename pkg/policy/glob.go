package policy

import (
	"regexp"
	"strings"
	"sync"
)

// Pattern matching for delegated tool permissions. Tool names use dots
// as segment separators (for example "memory.search" or external names
// like "ext__browser.open"). A single * matches within one segment; **
// matches across segments.

var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

// MatchPattern reports whether name matches the glob pattern. Invalid
// patterns never match.
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsAny(pattern, "*") {
		return false
	}

	re := compiledPattern(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(name)
}

func compiledPattern(pattern string) *regexp.Regexp {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re
	}

	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			sb.WriteString(".*")
			i++
		case pattern[i] == '*':
			sb.WriteString(`[^.]*`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		re = nil
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re
}
