// Package slug handles URL slug generation and validation for markets and
// market groups.
package slug

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// maxLen caps generated slugs; longer questions are truncated at a word
// boundary where possible.
const maxLen = 50

// slugRegex matches lowercase words joined by single hyphens.
// Example: will-it-rain-in-austin-tomorrow
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// ErrInvalidSlug is returned for a slug that is empty, too long, or not in
// lowercase-hyphenated form.
var ErrInvalidSlug = errors.New("slug: invalid slug format")

// FromQuestion derives a slug from a market question: lowercased, word
// characters only, hyphen-joined, truncated to the length cap.
func FromQuestion(question string) string {
	s := strings.ToLower(question)
	s = nonWord.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	if i := strings.LastIndex(s, "-"); i > 0 {
		s = s[:i]
	}
	return s
}

// Validate checks a caller-supplied slug, such as a group slug.
func Validate(s string) error {
	if s == "" || len(s) > maxLen || !slugRegex.MatchString(s) {
		return fmt.Errorf("%w: %q (expected lowercase-hyphenated, at most %d chars)",
			ErrInvalidSlug, s, maxLen)
	}
	return nil
}
