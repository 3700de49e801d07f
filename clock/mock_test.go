package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/udx-project/udx/clock"
)

func expectTick(t *testing.T, ch <-chan time.Time, want time.Time, descr string) {
	t.Helper()

	select {
	case got := <-ch:
		assert.Equal(t, want.String(), got.String(), "expectTick: %s", descr)
	case <-time.After(time.Second):
		require.Failf(t, "expectTick", "timed out: %s", descr)
	}
}

func expectNoTick(t *testing.T, ch <-chan time.Time, descr string) {
	t.Helper()

	select {
	case got := <-ch:
		require.Failf(t, "expectNoTick", "got: %s: %s", got, descr)
	default:
	}
}

func TestMock_Ticker(t *testing.T) {
	cl := clock.NewMock()

	start := time.Date(2021, 1, 10, 0, 0, 0, 0, time.UTC)
	cl.Set(start)

	assert.Equal(t, start, cl.Now())

	t1 := cl.NewTicker(5 * time.Second)

	cl.Add(4 * time.Second)

	t2 := cl.NewTicker(3 * time.Second)

	cl.Add(2 * time.Second)
	expectTick(t, t1.C(), start.Add(5*time.Second), "first tick of t1")
	expectNoTick(t, t2.C(), "t2 not due yet")

	cl.Add(1 * time.Second)
	expectNoTick(t, t1.C(), "t1 not due yet")
	expectTick(t, t2.C(), start.Add(7*time.Second), "first tick of t2")

	t1.Stop()

	cl.Add(5 * time.Second)
	expectNoTick(t, t1.C(), "t1 stopped")
	expectTick(t, t2.C(), start.Add(10*time.Second), "t2 keeps ticking")

	assert.Equal(t, 12*time.Second, cl.Since(start))
}

func TestMock_Timer(t *testing.T) {
	cl := clock.NewMock()

	start := time.Date(2021, 1, 10, 0, 0, 0, 0, time.UTC)
	cl.Set(start)

	tm := cl.NewTimer(3 * time.Second)

	cl.Add(2 * time.Second)
	expectNoTick(t, tm.C(), "timer not due yet")

	cl.Add(1 * time.Second)
	expectTick(t, tm.C(), start.Add(3*time.Second), "timer fired")

	// Timers fire only once.
	cl.Add(10 * time.Second)
	expectNoTick(t, tm.C(), "timer already fired")

	assert.False(t, tm.Stop(), "stop after firing")

	wasActive := tm.Reset(4 * time.Second)
	assert.False(t, wasActive)

	cl.Add(4 * time.Second)
	expectTick(t, tm.C(), start.Add(17*time.Second), "timer fired after reset")
}
