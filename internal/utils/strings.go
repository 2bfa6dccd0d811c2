// Package utils holds small helpers shared by the gateway packages.
package utils

import "unicode/utf8"

// MaskKey hides an OAuth token or API key for logs, keeping the first 8 and
// last 4 characters. Tokens shorter than 16 characters are fully masked.
func MaskKey(key string) string {
	switch {
	case key == "":
		return "(empty)"
	case len(key) < 16:
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// MaskKeyShort is the compact form used in CLI tables (first 4, last 4).
func MaskKeyShort(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// Truncate cuts s to at most n bytes on a rune boundary and appends "..."
// when anything was dropped.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
