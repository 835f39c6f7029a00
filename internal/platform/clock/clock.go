// internal/platform/clock/clock.go
package clock

import "time"

// Clock abstracts time.Now so due dates and hold expiries can be tested
// at fixed instants.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// New returns a Clock backed by the system time, in UTC.
func New() Clock { return realClock{} }

// Fixed is a Clock pinned to an instant. Tests mutate T to move time.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
