package clock

import "time"

// FakeClock is a manually advanced Clock for tests. Quota windows and grant
// expiry are both derived from Now, so tests roll a day or a month over by
// advancing it instead of sleeping.
type FakeClock struct {
	now time.Time
}

// NewFakeClock pins the clock at t. Window keys are UTC-derived, so the
// instant is normalized to UTC regardless of the zone passed in.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
