// Package identity normalizes the phone-like addresses contacts are keyed by.
package identity

import "strings"

// Normalize reduces a raw address to a single leading "+" followed by its
// digits. It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Valid reports whether a normalized identity carries any digits.
func Valid(id string) bool {
	return len(id) > 1 && strings.HasPrefix(id, "+")
}

// Digits returns the identity without its leading plus sign.
func Digits(id string) string {
	return strings.TrimPrefix(Normalize(id), "+")
}
