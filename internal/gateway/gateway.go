// Package gateway wires the link supervisor, the frame processor and the
// HTTP API into the meshlinkd service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshcommons/meshlink/internal/api"
	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/frame"
	"github.com/meshcommons/meshlink/internal/metrics"
	"github.com/meshcommons/meshlink/internal/security"
	"github.com/meshcommons/meshlink/internal/state"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
)

// Drivers create platform drivers for a link. Each restart of a link asks
// for a fresh driver.
type Drivers struct {
	Radio  func(cfg config.RadioConfig) (transport.RadioDriver, error)
	Serial func(cfg config.SerialConfig) (transport.SerialDriver, error)
}

// Gateway is the central application service.
type Gateway struct {
	cfg      *config.Config
	db       *store.DB
	log      *zap.Logger
	drivers  Drivers
	bus      *EventBus
	trail    *audit.Trail
	envelope *security.Envelope
	settings *store.Settings
	board    *state.Board
	metrics  *metrics.Metrics
	proc     *frame.Processor
	sup      *Supervisor
	server   *http.Server
}

// New constructs a Gateway without starting it. Migrate must have run on db.
func New(cfg *config.Config, db *store.DB, drivers Drivers, log *zap.Logger) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		db:      db,
		log:     log,
		drivers: drivers,
		bus:     NewEventBus(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	g.metrics = metrics.New(reg)

	g.trail = audit.New(log.Named("audit"),
		audit.WithCapacity(cfg.Audit.Capacity),
		audit.WithExportDir(cfg.Audit.Dir),
		audit.WithObserver(func(e audit.Entry) {
			g.metrics.AuditEntry(string(e.EventType), e.Severity.String())
			g.bus.PublishData(EventAudit, e)
		}),
	)
	g.trail.SetEnabled(cfg.Audit.Enabled)

	g.envelope = security.NewEnvelope(log.Named("security"))
	if err := security.Provision(g.envelope, cfg.Security.KeyFile, cfg.Security.GenerateKeys, log); err != nil {
		// links fall back to plaintext
		log.Warn("security not initialized", zap.Error(err))
		g.trail.Log(audit.EventConfigurationChange, audit.SeverityWarning, audit.SourceSystem,
			"Security not initialized, frames are sent in plaintext: "+err.Error(), false)
	} else {
		g.trail.Log(audit.EventConfigurationChange, audit.SeverityInfo, audit.SourceSystem,
			"Security initialized", true)
	}
	g.metrics.WatchEnvelope(g.envelope)

	g.settings = store.NewSettings(db)
	if err := g.settings.Seed(map[string]string{
		store.KeyConnectionMethod: cfg.Transport,
		store.KeyBLEDeviceName:    cfg.Radio.DeviceName,
		store.KeySerialBaudRate:   strconv.Itoa(cfg.Serial.BaudRate),
	}); err != nil {
		return nil, fmt.Errorf("gateway: seed settings: %w", err)
	}

	board, err := state.New(db)
	if err != nil {
		return nil, fmt.Errorf("gateway: marker board: %w", err)
	}
	board.OnChange(func(m state.Marker) { g.bus.PublishData(EventMarker, m) })
	g.board = board

	g.sup = NewSupervisor(g.newLink, g.settings, g.trail, g.bus, log)
	g.proc = frame.NewProcessor(g.board, g.sup, g.trail, log.Named("frame"))

	router := api.NewRouter(api.Deps{
		Links:     g.sup,
		Status:    func() any { return g.sup.Status() },
		Audit:     g.trail,
		Archive:   db,
		Settings:  g.settings,
		Markers:   g.board,
		Security:  g.envelope,
		Subscribe: g.bus.Subscribe,
		Metrics:   reg,
	}, log.Named("api"))

	g.server = &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return g, nil
}

// Supervisor returns the link supervisor.
func (g *Gateway) Supervisor() *Supervisor { return g.sup }

// Handler returns the HTTP API handler.
func (g *Gateway) Handler() http.Handler { return g.server.Handler }

// Trail returns the audit trail.
func (g *Gateway) Trail() *audit.Trail { return g.trail }

// Start launches the active link and the HTTP API and blocks until ctx is
// cancelled or the server fails.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Gateway.ListenAddr, err)
	}
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	if err := g.sup.Start(); err != nil {
		g.log.Warn("link supervisor", zap.Error(err))
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		g.log.Info("shutting down gateway")
		g.sup.Stop()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutCtx)
	})
	return grp.Wait()
}

// newLink is the supervisor's LinkFactory. Device name and baud rate come
// from the runtime settings so edits apply on the next restart.
func (g *Gateway) newLink(kind transport.Kind, listener func(transport.StateChange)) (Link, error) {
	opts := transport.Options{
		Envelope:       g.envelope,
		Processor:      g.proc,
		Audit:          g.trail,
		Metrics:        g.metrics,
		Log:            g.log,
		Listener:       listener,
		RequireMAC:     g.cfg.Security.RequireMAC,
		DecryptFailure: g.cfg.Security.DecryptFailure,
		HealthInterval: g.cfg.HealthInterval,
	}
	switch kind {
	case transport.KindRadio:
		rc := g.cfg.Radio
		rc.DeviceName = g.settings.String(store.KeyBLEDeviceName, rc.DeviceName)
		if g.drivers.Radio == nil {
			return nil, errors.New("no BLE driver available")
		}
		drv, err := g.drivers.Radio(rc)
		if err != nil {
			return nil, err
		}
		return transport.NewRadioLink(rc, drv, opts), nil
	case transport.KindSerial:
		sc := g.cfg.Serial
		sc.BaudRate = g.settings.Int(store.KeySerialBaudRate, sc.BaudRate)
		if g.drivers.Serial == nil {
			return nil, errors.New("no serial driver available")
		}
		drv, err := g.drivers.Serial(sc)
		if err != nil {
			return nil, err
		}
		return transport.NewSerialLink(sc, drv, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, kind)
	}
}
