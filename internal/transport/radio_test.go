package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/frame"
	"github.com/meshcommons/meshlink/internal/security"
)

const nodeAddr = "C0:FF:EE:00:00:01"

func newRadio(t *testing.T, h *harness, opts ...func(*Options)) (*RadioLink, *fakeRadio) {
	t.Helper()
	o := h.options(t)
	for _, fn := range opts {
		fn(&o)
	}
	drv := &fakeRadio{}
	l := NewRadioLink(radioConfig(), drv, o)
	t.Cleanup(func() { _ = l.Stop() })
	return l, drv
}

// connectRadio drives a fresh link to a bound connection.
func connectRadio(t *testing.T, l *RadioLink, drv *fakeRadio) {
	t.Helper()
	require.NoError(t, l.Start())
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})
	drv.connected()
	drv.bound(nil)
	require.Equal(t, StateConnected, l.Status().State)
}

func TestRadioConnectsToNamedDevice(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)

	require.NoError(t, l.Start())
	assert.Equal(t, StateScanning, l.Status().State)
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sched.pending())

	drv.h.OnDeviceFound(Device{Address: "11:22", Name: "SomethingElse"})
	assert.Equal(t, StateScanning, l.Status().State)
	assert.Zero(t, drv.count("stop-scan"))

	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode", RSSI: -60})
	assert.Equal(t, 1, drv.count("stop-scan"))
	assert.Equal(t, 1, drv.count("connect:"+nodeAddr))
	st := l.Status()
	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, nodeAddr, st.Device)
	assert.Equal(t, []time.Duration{15 * time.Second}, h.sched.pending())

	drv.connected()
	assert.Equal(t, 1, drv.count("bind"))
	assert.False(t, l.Status().Ready)
	drv.bound(nil)

	st = l.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.True(t, st.Ready)
	assert.Zero(t, st.Attempts)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sched.pending())
	assert.Equal(t, []State{StateScanning, StateConnecting, StateConnected}, h.states())
	assert.Len(t, h.audited(audit.EventConnection), 1)
}

func TestRadioScanWindowRestarts(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())

	require.True(t, h.sched.fire(10*time.Second))
	assert.Equal(t, 1, drv.count("stop-scan"))
	assert.Equal(t, StateScanning, l.Status().State)
	assert.Contains(t, l.Status().Detail, "not found")

	require.True(t, h.sched.fire(5*time.Second))
	assert.Equal(t, 2, drv.count("scan"))
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sched.pending())
}

func TestRadioScanFailureRetries(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	drv.scanErr = errors.New("adapter off")

	require.NoError(t, l.Start())
	assert.Equal(t, StateError, l.Status().State)
	assert.Len(t, h.audited(audit.EventError), 1)

	drv.scanErr = nil
	require.True(t, h.sched.fire(5*time.Second))
	assert.Equal(t, StateScanning, l.Status().State)
}

func TestRadioBackoffThenRescan(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})

	for i, backoff := range []time.Duration{5, 10, 20, 40, 80} {
		require.True(t, h.sched.fire(15*time.Second), "timeout for attempt %d", i+1)
		assert.Equal(t, StateError, l.Status().State)
		assert.Equal(t, []time.Duration{backoff * time.Second}, h.sched.pending(), "attempt %d", i+1)
		require.True(t, h.sched.fire(backoff*time.Second))
		assert.Equal(t, StateConnecting, l.Status().State)
	}

	assert.Equal(t, 6, l.Status().Attempts)
	require.True(t, h.sched.fire(15*time.Second))
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sched.pending())
	assert.Equal(t, 6, drv.count("disconnect"))

	require.True(t, h.sched.fire(30*time.Second))
	assert.Equal(t, 2, drv.count("scan"))
	assert.Equal(t, StateScanning, l.Status().State)
	assert.Len(t, h.audited(audit.EventConnection), 6)
}

func TestRadioRefusedConnectionCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})

	drv.dropped(errors.New("gatt 133"))
	assert.Equal(t, StateError, l.Status().State)
	assert.Contains(t, l.Status().Detail, "gatt 133")
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sched.pending())
}

func TestRadioIgnoresSecondConnect(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})

	l.post(l.connect)
	assert.Equal(t, 1, drv.count("connect:"+nodeAddr))
	assert.Equal(t, 1, l.Status().Attempts)
}

func TestRadioLateConnectionIsIgnored(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})
	require.True(t, h.sched.fire(15*time.Second))

	drv.connected()
	assert.Equal(t, StateError, l.Status().State)
	assert.Equal(t, 1, drv.count("disconnect"))
	assert.Zero(t, drv.count("bind"))
	assert.Len(t, h.audited(audit.EventConnection), 1)
}

func TestRadioStaleAttemptCannotCompleteNewerAttempt(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})
	first := drv.lastAttempt()

	require.True(t, h.sched.fire(15*time.Second))
	require.True(t, h.sched.fire(5*time.Second))
	require.Equal(t, StateConnecting, l.Status().State)
	require.Equal(t, 2, l.Status().Attempts)
	second := drv.lastAttempt()
	require.NotEqual(t, first, second)

	drv.h.OnConnectionStateChange(first, true, nil)
	drv.h.OnConnectionStateChange(first, false, errors.New("gatt 133"))
	assert.Equal(t, StateConnecting, l.Status().State)
	assert.Equal(t, 2, l.Status().Attempts)
	assert.Zero(t, drv.count("bind"))
	assert.Equal(t, []time.Duration{15 * time.Second}, h.sched.pending())

	drv.connected()
	drv.bound(nil)
	st := l.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.True(t, st.Ready)

	drv.h.OnBound(first, errors.New("notify characteristic missing"))
	drv.h.OnConnectionStateChange(first, false, errors.New("supervision timeout"))
	assert.Equal(t, StateConnected, l.Status().State)
	assert.True(t, l.Status().Ready)
	assert.Empty(t, h.audited(audit.EventDisconnection))
}

func TestRadioBindFailure(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})
	drv.connected()

	drv.bound(errors.New("notify characteristic missing"))
	assert.Equal(t, StateError, l.Status().State)
	assert.Contains(t, l.Status().Detail, "post-connect setup failed")
	assert.Equal(t, 1, drv.count("disconnect"))
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sched.pending())
}

func TestRadioDisconnectRescans(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	connectRadio(t, l, drv)

	drv.dropped(errors.New("supervision timeout"))
	assert.Equal(t, StateDisconnected, l.Status().State)
	assert.False(t, l.Status().Ready)
	require.Len(t, h.audited(audit.EventDisconnection), 1)
	assert.Contains(t, h.audited(audit.EventDisconnection)[0].Details, "supervision timeout")
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sched.pending())

	require.True(t, h.sched.fire(5*time.Second))
	assert.Equal(t, StateScanning, l.Status().State)
}

func TestRadioHealthCheck(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	connectRadio(t, l, drv)

	require.True(t, h.sched.fire(30*time.Second))
	assert.Equal(t, frame.EncodeCommand(frame.CmdGetBattery), drv.lastSent())
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sched.pending())
	assert.Len(t, h.audited(audit.EventCommandSent), 1)
}

func TestRadioSendRequiresConnection(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())

	err := l.Send(context.Background(), frame.EncodeCommand(frame.CmdGetBattery))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, drv.lastSent())
	sent := h.audited(audit.EventCommandSent)
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Success)
}

func TestRadioSendChecksSizeBeforeConnection(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	require.NoError(t, l.Start())
	ctx := context.Background()

	assert.ErrorIs(t, l.Send(ctx, nil), ErrFrameSize)
	assert.ErrorIs(t, l.Send(ctx, bytes.Repeat([]byte("x"), MaxFrameSize+1)), ErrFrameSize)
	assert.Len(t, h.audited(audit.EventSecurityViolation), 2)
	assert.Empty(t, h.audited(audit.EventCommandSent))
	assert.Nil(t, drv.lastSent())

	assert.ErrorIs(t, l.Send(ctx, []byte("x")), ErrNotConnected)
}

func TestRadioSendSizeLimits(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	connectRadio(t, l, drv)
	ctx := context.Background()

	assert.ErrorIs(t, l.Send(ctx, nil), ErrFrameSize)
	assert.ErrorIs(t, l.Send(ctx, bytes.Repeat([]byte("x"), MaxFrameSize+1)), ErrFrameSize)
	assert.Len(t, h.audited(audit.EventSecurityViolation), 2)

	require.NoError(t, l.Send(ctx, bytes.Repeat([]byte("x"), MaxFrameSize)))
	assert.Len(t, drv.lastSent(), MaxFrameSize)
	data := h.audited(audit.EventDataSent)
	require.Len(t, data, 1)
	assert.True(t, data[0].Success)
}

func TestRadioSendReportsDriverError(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	connectRadio(t, l, drv)
	drv.sendErr = errors.New("write rejected")

	err := l.Send(context.Background(), frame.EncodeCommand("CMD:ALERT:SOS"))
	assert.EqualError(t, err, "write rejected")
	sent := h.audited(audit.EventCommandSent)
	require.Len(t, sent, 1)
	assert.Equal(t, audit.SeverityError, sent[0].Severity)
}

func TestRadioEncryptsAndDecrypts(t *testing.T) {
	h := newHarness(t)
	env := security.NewEnvelope(nil)
	require.NoError(t, env.GenerateKeys())
	l, drv := newRadio(t, h, func(o *Options) { o.Envelope = env })
	connectRadio(t, l, drv)

	require.NoError(t, l.Send(context.Background(), []byte("hello")))
	wire := drv.lastSent()
	assert.NotEqual(t, []byte("hello"), wire)
	plain, err := env.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	in, err := env.Encrypt([]byte("STATUS:BATT:80"))
	require.NoError(t, err)
	drv.h.OnReceive(in)
	assert.Equal(t, []string{"STATUS:BATT:80"}, h.proc.received())
}

func TestRadioDropsUndecryptableFrame(t *testing.T) {
	h := newHarness(t)
	env := security.NewEnvelope(nil)
	require.NoError(t, env.GenerateKeys())
	l, drv := newRadio(t, h, func(o *Options) { o.Envelope = env })
	connectRadio(t, l, drv)

	drv.h.OnReceive([]byte("STATUS:BATT:80"))
	assert.Empty(t, h.proc.received())
	assert.Len(t, h.audited(audit.EventAuthenticationFailure), 1)
	assert.Empty(t, h.audited(audit.EventSecurityViolation))
}

func TestRadioPassthroughForwardsUndecryptableFrame(t *testing.T) {
	h := newHarness(t)
	env := security.NewEnvelope(nil)
	require.NoError(t, env.GenerateKeys())
	l, drv := newRadio(t, h, func(o *Options) {
		o.Envelope = env
		o.DecryptFailure = config.DecryptPassthrough
	})
	connectRadio(t, l, drv)

	drv.h.OnReceive([]byte("STATUS:BATT:80"))
	assert.Equal(t, []string{"STATUS:BATT:80"}, h.proc.received())
	violations := h.audited(audit.EventSecurityViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, audit.SeverityCritical, violations[0].Severity)
}

func TestRadioAuthenticatedFrames(t *testing.T) {
	h := newHarness(t)
	env := security.NewEnvelope(nil)
	require.NoError(t, env.GenerateKeys())
	l, drv := newRadio(t, h, func(o *Options) {
		o.Envelope = env
		o.RequireMAC = true
	})
	connectRadio(t, l, drv)

	require.NoError(t, l.Send(context.Background(), []byte("ping")))
	plain, err := env.Open(drv.lastSent())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(plain))

	sealed, err := env.Seal([]byte("STATUS:VERSION:0.3.0"))
	require.NoError(t, err)
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	drv.h.OnReceive(tampered)
	assert.Empty(t, h.proc.received())
	assert.Len(t, h.audited(audit.EventIntegrityFailure), 1)

	drv.h.OnReceive(sealed)
	assert.Equal(t, []string{"STATUS:VERSION:0.3.0"}, h.proc.received())
}

func TestRadioRescanFromConnected(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	connectRadio(t, l, drv)

	l.Rescan()
	assert.Equal(t, 1, drv.count("disconnect"))
	assert.Equal(t, StateScanning, l.Status().State)
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sched.pending())
}

func TestRadioStopIsTerminal(t *testing.T) {
	h := newHarness(t)
	l, drv := newRadio(t, h)
	connectRadio(t, l, drv)

	require.NoError(t, l.Stop())
	assert.Equal(t, StateIdle, l.Status().State)
	assert.Equal(t, 1, drv.count("disconnect"))
	assert.Empty(t, h.sched.pending())

	drv.h.OnReceive([]byte("STATUS:BATT:50"))
	assert.Empty(t, h.proc.received())
	assert.ErrorIs(t, l.Send(context.Background(), []byte("x")), ErrStopped)
	assert.ErrorIs(t, l.Start(), ErrStopped)
	require.NoError(t, l.Stop())
}

func TestRadioRequiresDeviceName(t *testing.T) {
	h := newHarness(t)
	cfg := radioConfig()
	cfg.DeviceName = ""
	l := NewRadioLink(cfg, &fakeRadio{}, h.options(t))
	defer l.Stop()

	assert.Error(t, l.Start())
	assert.Equal(t, StateError, l.Status().State)
}

func TestRadioOwnLoop(t *testing.T) {
	h := newHarness(t)
	o := h.options(t)
	o.Executor = nil
	drv := &fakeRadio{}
	l := NewRadioLink(radioConfig(), drv, o)

	require.NoError(t, l.Start())
	require.Eventually(t, func() bool { return l.Status().State == StateScanning }, time.Second, 5*time.Millisecond)
	drv.h.OnDeviceFound(Device{Address: nodeAddr, Name: "AkitaNode"})
	require.Eventually(t, func() bool { return l.Status().State == StateConnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop())
	assert.Equal(t, StateIdle, l.Status().State)
}
