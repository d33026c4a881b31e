// Package slug derives URL-safe showcase identifiers from titles.
package slug

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const maxLen = 80

// Make lowercases the title, replaces runs of non-alphanumerics with a
// single hyphen and trims leading/trailing hyphens. An empty result (e.g.
// a title of only punctuation) falls back to "showcase".
func Make(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "-")
	}
	if s == "" {
		return "showcase"
	}
	return s
}

// Candidate returns the attempt-th slug candidate for a base slug.
// Attempt 0 is the base itself, attempts 1..3 get a numeric suffix
// (-2, -3, -4), later attempts get a random suffix so that a pathological
// title cannot keep colliding forever.
func Candidate(base string, attempt int) string {
	switch {
	case attempt <= 0:
		return base
	case attempt <= 3:
		return base + "-" + strconv.Itoa(attempt+1)
	default:
		return base + "-" + uuid.NewString()[:8]
	}
}
