package routing

import (
	"regexp"
	"strings"
	"sync"
)

// patternCache avoids recompiling the same wildcard pattern on every match;
// route sets are small and static between reloads so an unbounded map is fine.
var (
	patternCacheMu sync.RWMutex
	patternCache   = map[string]*regexp.Regexp{}
)

// Matches reports whether value matches pattern:
//   - pattern == value: exact match
//   - pattern == "*": matches anything
//   - pattern contains one or more "*": each expands to ".*" in an anchored,
//     case-sensitive regex; every other regex metacharacter is escaped first
//   - pattern == "": matches only the empty string
//
// The AMQP "#" multi-segment wildcard is NOT given special meaning here; it
// is matched as a literal character, so operators must use "*" where
// multi-level matching is intended.
func Matches(value, pattern string) bool {
	if pattern == value {
		return true
	}
	if pattern == "*" {
		return true
	}
	if pattern == "" {
		return value == ""
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	re := compilePattern(pattern)
	return re.MatchString(value)
}

func compilePattern(pattern string) *regexp.Regexp {
	patternCacheMu.RLock()
	re, ok := patternCache[pattern]
	patternCacheMu.RUnlock()
	if ok {
		return re
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	expr := "^" + strings.Join(parts, ".*") + "$"
	re = regexp.MustCompile(expr)

	patternCacheMu.Lock()
	patternCache[pattern] = re
	patternCacheMu.Unlock()
	return re
}
