package secret

import "strings"

// Mask renders an API key for listings: first four and last four characters
// with stars between. Keys of eight characters or fewer are fully starred.
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
