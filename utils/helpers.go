package utils

import (
	"strings"
)

func MaskValue(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// NormalizeUsername lower-cases and strips a leading @ so chat handles and
// API usernames compare equal.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
