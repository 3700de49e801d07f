// Package clock abstracts time so that deadline and retry accounting can be
// tested deterministically with a mock.
package clock

import "time"

type Clock interface {
	Now() time.Time
	Since(time.Time) time.Duration
	NewTicker(time.Duration) Ticker
	NewTimer(time.Duration) Timer
}

// New returns a Clock backed by the time package.
func New() Clock {
	return clock{}
}

type clock struct{}

func (c clock) Now() time.Time {
	return time.Now()
}

func (c clock) Since(ts time.Time) time.Duration {
	return time.Since(ts)
}

func (c clock) NewTicker(d time.Duration) Ticker {
	return &ticker{
		ticker: time.NewTicker(d),
	}
}

func (c clock) NewTimer(d time.Duration) Timer {
	return &timer{
		timer: time.NewTimer(d),
	}
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(time.Duration)
}

type ticker struct {
	ticker *time.Ticker
}

var _ Ticker = &ticker{}

func (t *ticker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *ticker) Stop() {
	t.ticker.Stop()
}

func (t *ticker) Reset(d time.Duration) {
	t.ticker.Reset(d)
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(time.Duration) bool
}

type timer struct {
	timer *time.Timer
}

var _ Timer = &timer{}

func (t *timer) C() <-chan time.Time {
	return t.timer.C
}

func (t *timer) Stop() bool {
	return t.timer.Stop()
}

func (t *timer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}
