package transport

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerTableReplacesPending(t *testing.T) {
	sched := &manualScheduler{}
	tt := newTimerTable(sched, &syncExec{})

	var fired []string
	tt.schedule(timerScan, time.Second, func() { fired = append(fired, "first") })
	tt.schedule(timerScan, 2*time.Second, func() { fired = append(fired, "second") })
	assert.True(t, tt.pending(timerScan))

	assert.False(t, sched.fire(time.Second), "cancelled timer must not fire")
	require.True(t, sched.fire(2*time.Second))
	assert.Equal(t, []string{"second"}, fired)
	assert.False(t, tt.pending(timerScan))
}

func TestTimerTableDropsStaleCallback(t *testing.T) {
	sched := &manualScheduler{}
	tt := newTimerTable(sched, &syncExec{})

	ran := false
	tt.schedule(timerRecover, time.Second, func() { ran = true })
	stale := sched.take(time.Second)
	require.NotNil(t, stale)

	// the callback was already in flight when the timer was stopped
	tt.stop(timerRecover)
	stale()
	assert.False(t, ran)
}

func TestTimerTableStopAll(t *testing.T) {
	sched := &manualScheduler{}
	tt := newTimerTable(sched, &syncExec{})
	for _, p := range []purpose{timerScan, timerTimeout, timerRecover, timerHealth} {
		tt.schedule(p, time.Minute, func() { t.Fatal("stopped timer fired") })
	}
	tt.stopAll()
	assert.Empty(t, sched.pending())
}

func TestLoopWithFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := StartLoop()
	defer loop.Close()

	tt := newTimerTable(ClockScheduler{Clock: clock}, loop)
	done := make(chan struct{})
	loop.Post(func() {
		tt.schedule(timerHealth, 30*time.Second, func() { close(done) })
	})

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPurposeString(t *testing.T) {
	assert.Equal(t, "recover", timerRecover.String())
	assert.Equal(t, "unknown", purpose(42).String())
}
