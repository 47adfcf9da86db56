// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements coordinator.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, truncated to milliseconds so stored
// timestamps round-trip through JSON unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
