// Package clock abstracts the timers a relay session depends on so tests can
// drive heartbeats and deadlines deterministically.
//
// Production code uses Real(). Tests use Fake(), whose time only moves when
// Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go session.Run(ctx)
//	c.WaitForTimers(2)          // heartbeat ticker + deadline timer registered
//	c.Advance(15 * time.Minute) // deadline fires
package clock

import "time"

// Clock is the subset of the time package used by sessions.
type Clock interface {
	Now() time.Time

	// NewTimer returns a Timer that delivers once on C after d.
	NewTimer(d time.Duration) *Timer

	// NewTicker returns a Ticker that delivers on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a one-shot timer. C has capacity 1.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// an active timer.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers periodic ticks on C. Ticks are dropped when the consumer
// falls behind, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
