package ldap

import (
	"strings"
)

// EscapeDNValue escapes special characters in a DN attribute value according
// to RFC 4514.
//
// RFC 4514 defines the following escaping rules for DN attribute values:
// - Special characters that must be escaped: , + " \ < > ;
// - Leading # must be escaped
// - Leading and trailing spaces must be escaped
// - NULL bytes must be escaped as \00
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';':
			result.WriteRune('\\')
			result.WriteRune(r)
		case '#':
			// Leading # must be escaped
			if i == 0 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case ' ':
			// Leading and trailing spaces must be escaped
			if i == 0 || i == len(value)-1 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case 0:
			result.WriteString("\\00")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

// FoldDN returns a canonical comparison form of a DN: lowercased, with
// whitespace around RDN separators removed. Directory servers treat DNs
// case-insensitively, so membership comparisons must not be byte-wise.
//
// Escaped commas within attribute values are preserved; only unescaped
// separators are normalized.
func FoldDN(dn string) string {
	if dn == "" {
		return ""
	}

	var parts []string
	var current strings.Builder
	escaped := false

	for _, r := range dn {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			current.WriteRune(r)
			escaped = true
		case r == ',':
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	parts = append(parts, strings.TrimSpace(current.String()))

	return strings.ToLower(strings.Join(parts, ","))
}

// EqualDN reports whether two DNs refer to the same entry.
func EqualDN(a, b string) bool {
	return FoldDN(a) == FoldDN(b)
}
