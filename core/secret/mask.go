package secret

import "strings"

// Mask returns a representation of an API key that is safe to log.
// Keys up to 5 characters are fully masked, keys up to 20 characters keep
// their first and last character, longer keys keep the first 3 and the last.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}
