// Package impact records impact analyses on backlog nodes and decides, from
// stored data alone, whether an analysis has gone stale.
package impact

import (
	"fmt"
	"strings"
)

// Rating is the closed set of impact ratings, ordered by severity.
type Rating string

const (
	RatingLow      Rating = "low"
	RatingMedium   Rating = "medium"
	RatingHigh     Rating = "high"
	RatingCritical Rating = "critical"
)

// ValidRatings returns all ratings, least severe first.
func ValidRatings() []Rating {
	return []Rating{RatingLow, RatingMedium, RatingHigh, RatingCritical}
}

// Rank orders ratings; unknown values rank 0.
func (r Rating) Rank() int {
	for i, v := range ValidRatings() {
		if v == r {
			return i + 1
		}
	}
	return 0
}

// IsValidRating returns true if r is a known rating.
func IsValidRating(r Rating) bool {
	return r.Rank() > 0
}

// ParseRating normalizes case and validates.
func ParseRating(s string) (Rating, error) {
	r := Rating(strings.ToLower(strings.TrimSpace(s)))
	if !IsValidRating(r) {
		return "", fmt.Errorf("unknown impact rating %q", s)
	}
	return r, nil
}

// MaxRating returns the most severe of ratings, or "" when none are valid.
func MaxRating(ratings ...Rating) Rating {
	var out Rating
	for _, r := range ratings {
		if r.Rank() > out.Rank() {
			out = r
		}
	}
	return out
}
