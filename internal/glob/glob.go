// Package glob implements the pattern language used to declare build
// targets: '*' matches within a path component, '**' matches across
// components, and '?' matches a single character.
package glob

import (
	"regexp"
	"strings"
	"sync"
)

// compiled caches translated patterns. Build files register a handful of
// patterns and match them against every target, so compilation is off the
// hot path but matching is not.
var compiled sync.Map // pattern string -> *regexp.Regexp

// IsSimple reports whether pattern contains no wildcard characters. Simple
// patterns can be matched by string equality and are exempt from glob
// matching entirely.
func IsSimple(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?")
}

// Match reports whether path matches pattern. Both are expected to use
// forward slashes. A '*' never crosses a '/' boundary; '**' as a full
// component matches zero or more components.
func Match(pattern, path string) bool {
	return compile(pattern).MatchString(path)
}

// Stem returns the text matched by the first wildcard in pattern, and
// whether path matched at all. A '**' that matched zero components yields
// an empty stem. Patterns without wildcards yield an empty stem on match.
func Stem(pattern, path string) (string, bool) {
	m := compile(pattern).FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return "", true
}

// Expand substitutes stem for the first wildcard in template. Templates
// without a wildcard are returned unchanged.
func Expand(template, stem string) string {
	i := strings.Index(template, "*")
	if i < 0 {
		return template
	}
	j := i + 1
	if j < len(template) && template[j] == '*' {
		j++
	}
	return template[:i] + stem + template[j:]
}

func compile(pattern string) *regexp.Regexp {
	if re, ok := compiled.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(translate(pattern))
	compiled.Store(pattern, re)
	return re
}

// translate converts a glob pattern to an anchored regular expression,
// wrapping the first wildcard in a capture group for Stem.
func translate(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	captured := false
	capture := func(expr string) {
		if captured {
			b.WriteString(expr)
			return
		}
		captured = true
		b.WriteString("(" + expr + ")")
	}
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			atStart := i == 0 || pattern[i-1] == '/'
			if atStart && i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 == len(pattern) {
					// trailing '**' swallows the rest of the path
					capture(".*")
					i++
					continue
				}
				if pattern[i+2] == '/' {
					// '**/' matches zero or more whole components
					if captured {
						b.WriteString("(?:.*/)?")
					} else {
						captured = true
						b.WriteString("(?:(.*)/)?")
					}
					i += 2
					continue
				}
			}
			capture("[^/]*")
		case '?':
			capture("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
