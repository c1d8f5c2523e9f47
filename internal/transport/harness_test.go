package transport

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/frame"
)

// syncExec runs posted functions on the caller's goroutine, one at a time.
// A Post from inside a running function is queued and runs after it.
type syncExec struct {
	mu      sync.Mutex
	running bool
	queue   []func()
}

func (e *syncExec) Post(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		next()
		e.mu.Lock()
	}
	e.running = false
	e.mu.Unlock()
}

type manualTimer struct {
	d    time.Duration
	fn   func()
	done bool
}

// manualScheduler records timers; tests fire them explicitly.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := &manualTimer{d: d, fn: fn}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		t.done = true
		s.mu.Unlock()
	}
}

// take removes the oldest pending timer with duration d and returns its
// callback, or nil.
func (s *manualScheduler) take(d time.Duration) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		if !t.done && t.d == d {
			t.done = true
			return t.fn
		}
	}
	return nil
}

// fire runs the oldest pending timer with duration d.
func (s *manualScheduler) fire(d time.Duration) bool {
	fn := s.take(d)
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (s *manualScheduler) pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.done {
			out = append(out, t.d)
		}
	}
	return out
}

type recordingProcessor struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (p *recordingProcessor) Process(source, text string) (frame.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, text)
	return frame.Result{Kind: frame.KindBattery, Value: text}, p.err
}

func (p *recordingProcessor) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...)
}

type harness struct {
	exec  *syncExec
	sched *manualScheduler
	clock clockwork.FakeClock
	trail *audit.Trail
	proc  *recordingProcessor

	mu      sync.Mutex
	changes []StateChange
}

func newHarness(t *testing.T) *harness {
	return &harness{
		exec:  &syncExec{},
		sched: &manualScheduler{},
		clock: clockwork.NewFakeClock(),
		trail: audit.New(zaptest.NewLogger(t)),
		proc:  &recordingProcessor{},
	}
}

func (h *harness) options(t *testing.T) Options {
	return Options{
		Processor:      h.proc,
		Audit:          h.trail,
		Log:            zaptest.NewLogger(t),
		Executor:       h.exec,
		Worker:         h.exec,
		Scheduler:      h.sched,
		Clock:          h.clock,
		HealthInterval: 30 * time.Second,
		Listener: func(c StateChange) {
			h.mu.Lock()
			h.changes = append(h.changes, c)
			h.mu.Unlock()
		},
	}
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, c := range h.changes {
		if len(out) == 0 || out[len(out)-1] != c.State {
			out = append(out, c.State)
		}
	}
	return out
}

func (h *harness) audited(t audit.EventType) []audit.Entry {
	var out []audit.Entry
	for _, e := range h.trail.Entries() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func radioConfig() config.RadioConfig {
	return config.Default().Radio
}

func serialConfig() config.SerialConfig {
	return config.Default().Serial
}

// ── fake radio ────────────────────────────────────────────────────────────

type fakeRadio struct {
	mu         sync.Mutex
	h          RadioHandler
	calls      []string
	sent       [][]byte
	scanErr    error
	connectErr error
	bindErr    error
	sendErr    error
	attempt    uint64
}

func (f *fakeRadio) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRadio) SetHandler(h RadioHandler) { f.h = h }

func (f *fakeRadio) StartScan() error {
	f.record("scan")
	return f.scanErr
}

func (f *fakeRadio) StopScan() error {
	f.record("stop-scan")
	return nil
}

func (f *fakeRadio) Connect(address string, attempt uint64) error {
	f.record("connect:" + address)
	f.mu.Lock()
	f.attempt = attempt
	f.mu.Unlock()
	return f.connectErr
}

func (f *fakeRadio) lastAttempt() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt
}

// connected reports the most recent connect request as established.
func (f *fakeRadio) connected() { f.h.OnConnectionStateChange(f.lastAttempt(), true, nil) }

// dropped reports the most recent connect request as failed or lost.
func (f *fakeRadio) dropped(err error) { f.h.OnConnectionStateChange(f.lastAttempt(), false, err) }

func (f *fakeRadio) bound(err error) { f.h.OnBound(f.lastAttempt(), err) }

func (f *fakeRadio) Bind() error {
	f.record("bind")
	return f.bindErr
}

func (f *fakeRadio) Send(data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.mu.Unlock()
	return f.sendErr
}

func (f *fakeRadio) Disconnect() error {
	f.record("disconnect")
	return nil
}

func (f *fakeRadio) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRadio) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// ── fake serial ───────────────────────────────────────────────────────────

type fakePort struct {
	reads   chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
	writeFn func([]byte) error
	baud    int
	confErr error
}

func newFakePort() *fakePort {
	return &fakePort{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-p.reads:
		if !ok {
			return 0, io.ErrUnexpectedEOF
		}
		return copy(b, chunk), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeFn != nil {
		if err := p.writeFn(b); err != nil {
			return 0, err
		}
	}
	p.mu.Lock()
	p.written = append(p.written, append([]byte(nil), b...))
	p.mu.Unlock()
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) Configure(baud int) error {
	p.baud = baud
	return p.confErr
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type fakeSerial struct {
	mu      sync.Mutex
	ports   []PortInfo
	listErr error
	openErr error
	confErr error
	// block, when set, holds Open until it is closed.
	block  chan struct{}
	opened []*fakePort
	calls  int
	lists  int
}

func (f *fakeSerial) List() ([]PortInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.ports, f.listErr
}

func (f *fakeSerial) Open(name string) (SerialPort, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	p := newFakePort()
	p.confErr = f.confErr
	f.opened = append(f.opened, p)
	return p, nil
}

func (f *fakeSerial) openCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSerial) last() *fakePort {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}

func (f *fakeSerial) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}
