package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/frame"
	"github.com/meshcommons/meshlink/internal/metrics"
	"github.com/meshcommons/meshlink/internal/security"
)

// Processor consumes decrypted inbound payloads.
type Processor interface {
	Process(source, text string) (frame.Result, error)
}

// Options are the collaborators shared by both link kinds.
type Options struct {
	Envelope  *security.Envelope
	Processor Processor
	Audit     frame.Auditor
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Listener  func(StateChange)

	// Executor runs the link's state machine. Nil starts a Loop per link.
	Executor Executor
	// Worker runs blocking serial I/O. Nil starts a Loop per serial link.
	Worker Executor
	// Scheduler creates timers. Nil uses Clock.
	Scheduler Scheduler
	// Clock defaults to the real clock.
	Clock clockwork.Clock

	RequireMAC     bool
	DecryptFailure string
	HealthInterval time.Duration
}

func (o *Options) defaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Scheduler == nil {
		o.Scheduler = ClockScheduler{Clock: o.Clock}
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.DecryptFailure == "" {
		o.DecryptFailure = config.DecryptDrop
	}
}

// core is the loop-owned state and send/receive path shared by RadioLink
// and SerialLink. state, retry and timers are touched only from the loop.
type core struct {
	kind   Kind
	opts   Options
	log    *zap.Logger
	exec   Executor
	loop   *Loop // non-nil when the link owns its executor
	timers *timerTable
	retry  Retry
	state  State
	ready  bool
	// onHealth, when set, runs on every health tick after the battery query.
	onHealth func()

	stopOnce sync.Once
	stopped  chan struct{}

	mu     sync.RWMutex
	status Status
}

func newCore(kind Kind, opts Options, retry config.RetryConfig) *core {
	opts.defaults()
	c := &core{
		kind: kind,
		opts: opts,
		log:  opts.Log.Named(string(kind)),
		exec: opts.Executor,
		retry: Retry{
			BaseDelay:      retry.BaseDelay,
			MaxAttempts:    retry.MaxAttempts,
			RescanInterval: retry.RescanInterval,
		},
		stopped: make(chan struct{}),
	}
	if c.exec == nil {
		c.loop = StartLoop()
		c.exec = c.loop
	}
	c.timers = newTimerTable(opts.Scheduler, c.exec)
	c.status = Status{Kind: kind, State: StateIdle, Detail: "Idle", Since: opts.Clock.Now()}
	return c
}

// shutdown runs teardown on the loop once, then releases an owned loop.
// A stopped link cannot be restarted.
func (c *core) shutdown(teardown func()) {
	c.stopOnce.Do(func() {
		done := make(chan struct{})
		c.exec.Post(func() {
			teardown()
			close(done)
		})
		<-done
		close(c.stopped)
		if c.loop != nil {
			c.loop.Close()
		}
	})
}

// post runs fn on the loop unless the link has stopped. It reports whether
// fn was queued.
func (c *core) post(fn func()) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	c.exec.Post(fn)
	return true
}

// Kind returns the link kind.
func (c *core) Kind() Kind { return c.kind }

// Status returns the latest status snapshot.
func (c *core) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// setState records a transition and notifies the listener when the state,
// the detail or readiness changed. Leaving Connected clears readiness.
func (c *core) setState(s State, detail string, device string) {
	if s != StateConnected {
		c.ready = false
	}
	c.mu.Lock()
	prev := c.status
	changed := prev.State != s || prev.Detail != detail || prev.Ready != c.ready
	c.status.State = s
	c.status.Detail = detail
	c.status.Device = device
	c.status.Ready = c.ready
	c.status.Attempts = c.retry.Attempts()
	if prev.State != s {
		c.status.Since = c.opts.Clock.Now()
	}
	c.mu.Unlock()
	c.state = s

	if !changed {
		return
	}
	if prev.State != s {
		c.opts.Metrics.LinkState(string(c.kind), s.String(), s == StateConnected)
		c.log.Info("state", zap.Stringer("from", prev.State), zap.Stringer("to", s), zap.String("detail", detail))
	}
	if c.opts.Listener != nil {
		c.opts.Listener(StateChange{Kind: c.kind, State: s, Detail: detail, Ready: c.ready, At: c.opts.Clock.Now()})
	}
}

func (c *core) auditLog(t audit.EventType, sev audit.Severity, details string, ok bool) {
	if c.opts.Audit == nil {
		return
	}
	c.opts.Audit.Log(t, sev, string(c.kind), details, ok)
}

// scheduleRecovery applies the retry policy after a failed attempt.
func (c *core) scheduleRecovery(reconnect, rescan func()) {
	delay, full := c.retry.Next()
	if full {
		c.log.Info("retries exhausted, rescanning",
			zap.Int("attempts", c.retry.Attempts()),
			zap.Duration("in", delay),
		)
		c.timers.schedule(timerRecover, delay, rescan)
		return
	}
	c.log.Info("reconnect scheduled",
		zap.Int("attempt", c.retry.Attempts()),
		zap.Duration("in", delay),
	)
	c.timers.schedule(timerRecover, delay, reconnect)
}

// ── send path ─────────────────────────────────────────────────────────────

// writeFunc performs the transport write and reports the result on the loop.
type writeFunc func(data []byte, done func(error))

// send validates, protects and writes payload. It runs on the loop; done is
// invoked on the loop with the final result.
func (c *core) send(payload []byte, write writeFunc, done func(error)) {
	event := sendEvent(payload)
	desc := describe(payload)

	if len(payload) == 0 || len(payload) > MaxFrameSize {
		c.auditLog(audit.EventSecurityViolation, audit.SeverityWarning,
			fmt.Sprintf("Rejected outbound payload of %d bytes", len(payload)), false)
		c.opts.Metrics.FrameSent(string(c.kind), false)
		done(ErrFrameSize)
		return
	}
	if c.state != StateConnected {
		c.auditLog(event, audit.SeverityWarning, "Send failed: not connected: "+desc, false)
		c.opts.Metrics.FrameSent(string(c.kind), false)
		done(ErrNotConnected)
		return
	}

	data := payload
	if env := c.opts.Envelope; env != nil && env.Initialized() {
		var err error
		if c.opts.RequireMAC {
			data, err = env.Seal(payload)
		} else {
			data, err = env.Encrypt(payload)
		}
		if err != nil {
			c.auditLog(audit.EventError, audit.SeverityError, "Encrypt failed: "+err.Error(), false)
			c.opts.Metrics.FrameSent(string(c.kind), false)
			done(fmt.Errorf("transport: encrypt: %w", err))
			return
		}
	}

	write(data, func(err error) {
		if err != nil {
			c.auditLog(event, audit.SeverityError, "Send failed: "+desc+": "+err.Error(), false)
		} else {
			c.auditLog(event, audit.SeverityInfo, "Sent "+desc, true)
		}
		c.opts.Metrics.FrameSent(string(c.kind), err == nil)
		done(err)
	})
}

// sendAndWait runs send on the loop and waits for its result.
func (c *core) sendAndWait(ctx context.Context, payload []byte, write writeFunc) error {
	result := make(chan error, 1)
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	c.exec.Post(func() {
		c.send(payload, write, func(err error) { result <- err })
	})
	select {
	case err := <-result:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// healthTick queries the node battery through the normal send path and
// reschedules itself while connected.
func (c *core) healthTick(write writeFunc) {
	if c.state != StateConnected {
		return
	}
	c.send(frame.EncodeCommand(frame.CmdGetBattery), write, func(err error) {
		if err != nil {
			c.log.Debug("health check send failed", zap.Error(err))
		}
	})
	c.timers.schedule(timerHealth, c.opts.HealthInterval, func() { c.healthTick(write) })
	if c.onHealth != nil {
		c.onHealth()
	}
}

func (c *core) startHealth(write writeFunc) {
	c.timers.schedule(timerHealth, c.opts.HealthInterval, func() { c.healthTick(write) })
}

func sendEvent(payload []byte) audit.EventType {
	if strings.HasPrefix(string(payload), "CMD:") {
		return audit.EventCommandSent
	}
	return audit.EventDataSent
}

// describe keeps commands readable in the audit trail and reduces other
// payloads to their size.
func describe(payload []byte) string {
	if sendEvent(payload) == audit.EventCommandSent {
		return strings.TrimSpace(string(payload))
	}
	return fmt.Sprintf("%d bytes", len(payload))
}

// ── receive path ──────────────────────────────────────────────────────────

// receive unwraps one inbound chunk and hands it to the processor. It runs
// on the loop.
func (c *core) receive(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	link := string(c.kind)

	plain := chunk
	if env := c.opts.Envelope; env != nil && env.Initialized() {
		var err error
		if c.opts.RequireMAC {
			plain, err = env.Open(chunk)
		} else {
			plain, err = env.Decrypt(chunk)
		}
		if err != nil {
			event := audit.EventAuthenticationFailure
			if errors.Is(err, security.ErrIntegrity) {
				event = audit.EventIntegrityFailure
			}
			c.auditLog(event, audit.SeverityError, "Inbound frame rejected: "+err.Error(), false)
			c.log.Warn("decrypt failed", zap.Int("bytes", len(chunk)), zap.Error(err))

			if c.opts.DecryptFailure != config.DecryptPassthrough {
				c.opts.Metrics.FrameDropped(link, "security")
				return
			}
			c.auditLog(audit.EventSecurityViolation, audit.SeverityCritical,
				"Forwarding undecrypted payload to processor", false)
			plain = chunk
		}
	}

	if c.opts.Processor == nil {
		return
	}
	res, err := c.opts.Processor.Process(link, string(plain))
	if err != nil {
		c.opts.Metrics.FrameDropped(link, dropReason(err))
		return
	}
	c.opts.Metrics.FrameReceived(link, res.Kind.String())
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrMalformedFrame), errors.Is(err, frame.ErrEmpty):
		return "framing"
	case errors.Is(err, frame.ErrDecode), errors.Is(err, frame.ErrMissingID), errors.Is(err, frame.ErrInvalidPosition):
		return "decode"
	default:
		return "sink"
	}
}
