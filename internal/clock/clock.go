// Package clock abstracts wall-clock and monotonic time so the engine can
// be driven deterministically in tests. spec.md is explicit that these are
// two distinct sources: wall-clock for availability/quota/cooldown/audit,
// monotonic for deadlines and warning triggers. Wall-clock jumps must never
// change a deadline computed from the monotonic source.
package clock

import "time"

// Clock is the single time source injected into the engine, store and
// service loop. Production code uses Real; tests use Mock.
type Clock interface {
	// Now returns local wall-clock time, used for availability windows,
	// daily quota bucketing, cooldown expiry and audit timestamps.
	Now() time.Time

	// Mono returns a monotonic reading suitable only for computing
	// durations via subtraction (deadlines, warning thresholds). It must
	// never run backward and must be unaffected by wall-clock changes.
	Mono() time.Duration
}

// Real is the production clock: Now is time.Now, Mono is time.Since a
// start instant stored at construction, which uses the monotonic reading
// time.Time carries internally and so ignores wall-clock steps.
type Real struct{ start time.Time }

// NewReal returns a Clock backed by the real wall clock and the runtime's
// monotonic clock.
func NewReal() Real {
	return Real{start: time.Now()}
}

func (r Real) Now() time.Time { return time.Now() }

func (r Real) Mono() time.Duration { return time.Since(r.start) }

// Mock is a fully controllable clock for deterministic tests: wall-clock
// and monotonic time move independently, letting tests exercise S5-style
// scenarios where the wall clock is set backward without the monotonic
// deadline moving.
type Mock struct {
	wall time.Time
	mono time.Duration
}

// NewMock creates a Mock starting at the given wall-clock instant with a
// monotonic reading of zero.
func NewMock(start time.Time) *Mock {
	return &Mock{wall: start}
}

func (m *Mock) Now() time.Time { return m.wall }

func (m *Mock) Mono() time.Duration { return m.mono }

// Advance moves both wall-clock and monotonic time forward by d. This is
// the common case: time passing normally.
func (m *Mock) Advance(d time.Duration) {
	m.wall = m.wall.Add(d)
	m.mono += d
}

// SetWall moves only the wall clock, forward or backward, leaving the
// monotonic reading untouched — simulates an operator or NTP clock step.
func (m *Mock) SetWall(t time.Time) {
	m.wall = t
}
