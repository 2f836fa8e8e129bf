package clock

import "time"

// Clock provides time information to the tracking and quota components.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// Real provides actual system time.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time {
	return time.Now()
}

// Test provides fixed, advanceable time for testing.
type Test struct {
	CurrentTime time.Time
}

// NewTest creates a test clock starting at the given time.
func NewTest(start time.Time) *Test {
	return &Test{CurrentTime: start}
}

// Now returns the test time.
func (t *Test) Now() time.Time {
	return t.CurrentTime
}

// Advance moves the test time forward.
func (t *Test) Advance(d time.Duration) {
	t.CurrentTime = t.CurrentTime.Add(d)
}
