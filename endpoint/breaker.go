package endpoint

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// NewGobreakerSettings builds the gobreaker.Settings used for every
// Endpoint, grounded on the teacher's NewGobreakerConfig helper: trip
// once at least 3 requests have been seen in the current window and the
// failure ratio reaches 60%, half-open after 5 seconds, and use a named
// settings.Name so multiplexed logs/metrics can tell backends apart.
func NewGobreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 3 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}
}
