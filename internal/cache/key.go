package cache

import "strings"

// NormalizeKey maps a raw city name to its cache key: surrounding whitespace trimmed,
// lowercased. "London", " london " and "LONDON" share one entry.
func NormalizeKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
