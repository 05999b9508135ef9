package toolsource

import "strings"

// Sanitize normalizes one tool path segment to the grammar
// [a-z_][a-z0-9_]*: characters outside [a-z0-9_] collapse to '_', a leading
// digit gets a '_' prefix, and an empty result becomes "default".
func Sanitize(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))

	prevUnderscore := false
	for _, r := range strings.ToLower(segment) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			prevUnderscore = r == '_'
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}

	out := b.String()
	if out == "" {
		return "default"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// JoinPath sanitizes each segment and joins them with dots.
func JoinPath(segments ...string) string {
	parts := make([]string, len(segments))
	for i, segment := range segments {
		parts[i] = Sanitize(segment)
	}
	return strings.Join(parts, ".")
}
