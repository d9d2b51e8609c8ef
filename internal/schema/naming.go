package schema

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxIdentifierLength is the longest identifier NormalizeIdentifier returns.
// It fits the tightest destination limit (postgres, 63 bytes).
const MaxIdentifierLength = 63

// NormalizeIdentifier folds an arbitrary source name into a snake_case ASCII
// identifier:
//  1. split camelCase boundaries with underscores
//  2. lowercase and strip accents (NFD → remove Mn → NFC)
//  3. keep [a-z0-9_]; space, dash, dot and slash become one underscore
//  4. prefix a leading digit with an underscore; fall back to "col"
//
// Names that are already valid identifiers come back unchanged, so
// normalizing twice is a no-op.
func NormalizeIdentifier(s string) string {
	s = splitCamel(strings.TrimSpace(s))
	s = strings.ToLower(s)

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.' || r == '/':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	name := b.String()
	// Keep a leading underscore (system columns); drop trailing ones.
	lead := strings.HasPrefix(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "col"
	}
	if lead || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	if len(name) > MaxIdentifierLength {
		name = strings.TrimRight(name[:MaxIdentifierLength], "_")
	}
	return name
}

func splitCamel(s string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prev := rs[i-1]
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteRune('_')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
