package grain

import (
	"strings"

	"go.jetify.com/typeid"
)

// NewGrainID mints a prefixed, sortable grain id (e.g. "order_01h2xcejqt...").
// The prefix is sanitized to typeid's lowercase alphabet; an empty or fully
// invalid prefix falls back to "grain".
func NewGrainID(prefix string) string {
	tid, err := typeid.WithPrefix(sanitizeIDPrefix(prefix))
	if err != nil {
		tid, _ = typeid.WithPrefix("grain")
	}
	return tid.String()
}

// sanitizeIDPrefix lowercases prefix and replaces anything outside
// [a-z0-9_] with an underscore, truncated to typeid's 63-char prefix limit.
func sanitizeIDPrefix(prefix string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, prefix)
	s = strings.Trim(s, "_")
	if len(s) > 63 {
		s = s[:63]
	}
	if s == "" {
		return "grain"
	}
	return s
}
