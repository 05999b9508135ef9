package policy

import "strings"

// Matcher is a compiled tool-path pattern. The grammar is a single
// metacharacter: '*' matches any run of characters (including empty and
// across dots); everything else is literal.
type Matcher struct {
	pattern  string
	literals []string // pattern split on '*'
	// specificity is the literal length of the pattern, floored at 1,
	// feeding the scoring function.
	specificity int
}

// Compile builds a matcher from a pattern.
func Compile(pattern string) *Matcher {
	literals := strings.Split(pattern, "*")
	length := 0
	for _, lit := range literals {
		length += len(lit)
	}
	if length < 1 {
		length = 1
	}
	return &Matcher{pattern: pattern, literals: literals, specificity: length}
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() string { return m.pattern }

// Specificity returns max(1, len(pattern with '*' removed)).
func (m *Matcher) Specificity() int { return m.specificity }

// Match reports whether the path matches the pattern.
func (m *Matcher) Match(path string) bool {
	if len(m.literals) == 1 {
		return path == m.literals[0]
	}

	// First literal anchors at the start, last at the end, the rest match
	// greedily left to right.
	first, last := m.literals[0], m.literals[len(m.literals)-1]
	if !strings.HasPrefix(path, first) {
		return false
	}
	rest := path[len(first):]

	middle := m.literals[1 : len(m.literals)-1]
	for _, lit := range middle {
		idx := strings.Index(rest, lit)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(lit):]
	}

	return strings.HasSuffix(rest, last)
}
