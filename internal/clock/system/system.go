// Package system provides the wall clock used for lease cutoffs and row
// timestamps.
package system

import "time"

// Clock implements ingest.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t according to c.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
