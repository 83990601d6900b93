// internal/freshness/freshness.go

// Package freshness decides when cached data is too old and runs refreshes off the
// request path.
package freshness

import "time"

const (
	// ListThreshold is the maximum cache age for list reads.
	ListThreshold = 4 * time.Hour
	// DetailThreshold applies to single-release reads; details churn less.
	DetailThreshold = 6 * time.Hour
)

// ShouldRefresh reports whether data last written at latest is older than threshold.
// A nil latest (nothing cached) always needs a refresh.
func ShouldRefresh(latest *time.Time, threshold time.Duration, now time.Time) bool {
	if latest == nil {
		return true
	}
	return now.Sub(*latest) > threshold
}
