package types

import "time"

// Clock abstracts "current time" so the reconciliation engine and the renewal
// sweep can be tested deterministically. Production code uses RealClock;
// tests inject a fixed or advancing clock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now (UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
