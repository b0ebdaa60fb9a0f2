// Package ids generates the sortable opaque identifiers used by every
// entity in the store. IDs are UUIDv7: time-ordered, so lexicographic
// order matches creation order within millisecond resolution.
package ids

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// New returns a new sortable id. Falls back to a random UUIDv4 in the
// (practically unreachable) case where the v7 source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Short returns 6 hex characters from the random tail of a fresh id,
// used for human-readable suffixes (room names, worker ids). The tail
// is rand_b in a v7 uuid; the head is the millisecond timestamp and
// would repeat across calls.
func Short() string {
	clean := strings.ReplaceAll(New(), "-", "")
	if len(clean) > 6 {
		return clean[len(clean)-6:]
	}
	return clean
}

// IsValid reports whether s parses as a UUID.
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Kebab converts free text into a lowercase kebab-case slug, dropping
// anything that is not a letter or digit.
func Kebab(s string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Truncate returns at most n bytes of s without splitting the string
// mid-rune boundary for ASCII inputs.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
