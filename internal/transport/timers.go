package transport

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Executor runs posted functions one at a time, in order.
type Executor interface {
	Post(fn func())
}

// Loop is a single-goroutine Executor. Functions posted after Close are
// discarded.
type Loop struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// StartLoop starts a Loop goroutine.
func StartLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), 128),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.stop:
			return
		}
	}
}

// Post queues fn. It blocks only while the queue is full.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.stop:
	}
}

// Close stops the loop and waits for the running function to return.
// It must not be called from the loop itself.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

// Scheduler creates one-shot timers. The returned func cancels the timer.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// ClockScheduler schedules on a clockwork clock.
type ClockScheduler struct {
	Clock clockwork.Clock
}

// AfterFunc implements Scheduler.
func (s ClockScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := s.Clock.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// purpose keys the timer table. Each purpose has at most one pending timer.
type purpose int

const (
	timerScan    purpose = iota // discovery window
	timerTimeout                // connection timeout
	timerRecover                // reconnect, rescan or scan restart
	timerHealth                 // periodic status query
)

func (p purpose) String() string {
	switch p {
	case timerScan:
		return "scan"
	case timerTimeout:
		return "timeout"
	case timerRecover:
		return "recover"
	case timerHealth:
		return "health"
	default:
		return "unknown"
	}
}

// timerTable holds the pending timers of one link. It must only be used
// from the link's loop. Fired callbacks are posted back to the loop and
// discarded when their generation is stale, so a timer cancelled after it
// had already queued its callback never runs.
type timerTable struct {
	sched  Scheduler
	exec   Executor
	gen    map[purpose]uint64
	cancel map[purpose]func()
}

func newTimerTable(sched Scheduler, exec Executor) *timerTable {
	return &timerTable{
		sched:  sched,
		exec:   exec,
		gen:    make(map[purpose]uint64),
		cancel: make(map[purpose]func()),
	}
}

// schedule replaces any pending timer for p.
func (t *timerTable) schedule(p purpose, d time.Duration, fn func()) {
	t.stop(p)
	g := t.gen[p]
	t.cancel[p] = t.sched.AfterFunc(d, func() {
		t.exec.Post(func() {
			if t.gen[p] != g {
				return
			}
			delete(t.cancel, p)
			t.gen[p]++
			fn()
		})
	})
}

// stop cancels the pending timer for p, if any.
func (t *timerTable) stop(p purpose) {
	if c, ok := t.cancel[p]; ok {
		c()
		delete(t.cancel, p)
	}
	t.gen[p]++
}

func (t *timerTable) stopAll() {
	for _, p := range []purpose{timerScan, timerTimeout, timerRecover, timerHealth} {
		t.stop(p)
	}
}

func (t *timerTable) pending(p purpose) bool {
	_, ok := t.cancel[p]
	return ok
}
