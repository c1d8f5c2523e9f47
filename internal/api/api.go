// Package api implements the meshlinkd REST API.
//
// Routes:
//
//	GET    /api/v1/status            link and node status
//	POST   /api/v1/commands          send a raw node command
//	POST   /api/v1/alert             trigger the SOS alert
//	POST   /api/v1/query             ask the node for its battery level
//	POST   /api/v1/rescan            restart discovery on the active link
//	POST   /api/v1/data              send formatted operator data
//	GET    /api/v1/history           previously sent data
//	DELETE /api/v1/history           clear the data history
//	GET    /api/v1/audit             in-memory audit entries
//	DELETE /api/v1/audit             clear the in-memory audit trail
//	POST   /api/v1/audit/export      write the audit trail to a file
//	POST   /api/v1/audit/archive     copy the audit trail into SQLite
//	GET    /api/v1/audit/archive     archived audit entries
//	GET    /api/v1/settings          all runtime settings
//	GET    /api/v1/settings/{key}    one runtime setting
//	PUT    /api/v1/settings/{key}    change a runtime setting
//	GET    /api/v1/markers           decoded map markers
//	GET    /api/v1/security          envelope counters
//	GET    /api/v1/events            WebSocket live stream
//	GET    /metrics                  Prometheus metrics
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/frame"
	"github.com/meshcommons/meshlink/internal/security"
	"github.com/meshcommons/meshlink/internal/state"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
)

// Links is the subset of the link supervisor the API drives.
type Links interface {
	SendCommand(ctx context.Context, cmd string) error
	SendAlert(ctx context.Context) error
	QueryStatus(ctx context.Context) error
	SendData(ctx context.Context, format frame.DataFormat, text string) error
	Rescan() error
	History() []string
	ClearHistory()
}

// Deps are the handler dependencies.
type Deps struct {
	Links    Links
	Status   func() any
	Audit    *audit.Trail
	Archive  *store.DB
	Settings *store.Settings
	Markers  *state.Board
	Security *security.Envelope
	// Subscribe is called for each WebSocket client; it returns a channel
	// of JSON-serialisable events and an unsubscribe function.
	Subscribe func() (<-chan any, func())
	Metrics   prometheus.Gatherer
}

// sendTimeout bounds a single operator send.
const sendTimeout = 5 * time.Second

// maxDeviceName bounds the ble_device_name setting.
const maxDeviceName = 64

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	Deps
	log *zap.Logger
}

// NewRouter wires all routes and returns a http.Handler.
func NewRouter(deps Deps, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{Deps: deps, log: log}

	mux := http.NewServeMux()

	// Links
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/commands", s.sendCommand)
	mux.HandleFunc("POST /api/v1/alert", s.sendAlert)
	mux.HandleFunc("POST /api/v1/query", s.queryStatus)
	mux.HandleFunc("POST /api/v1/rescan", s.rescan)
	mux.HandleFunc("POST /api/v1/data", s.sendData)
	mux.HandleFunc("GET /api/v1/history", s.history)
	mux.HandleFunc("DELETE /api/v1/history", s.clearHistory)

	// Audit
	mux.HandleFunc("GET /api/v1/audit", s.listAudit)
	mux.HandleFunc("DELETE /api/v1/audit", s.clearAudit)
	mux.HandleFunc("POST /api/v1/audit/export", s.exportAudit)
	mux.HandleFunc("POST /api/v1/audit/archive", s.archiveAudit)
	mux.HandleFunc("GET /api/v1/audit/archive", s.listArchived)

	// Settings
	mux.HandleFunc("GET /api/v1/settings", s.listSettings)
	mux.HandleFunc("GET /api/v1/settings/{key}", s.getSetting)
	mux.HandleFunc("PUT /api/v1/settings/{key}", s.putSetting)

	mux.HandleFunc("GET /api/v1/markers", s.listMarkers)
	mux.HandleFunc("GET /api/v1/security", s.securityStats)

	// WebSocket event stream
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	if s.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{}))
	}

	return withLogging(log, mux)
}

// ── Links ─────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.Status(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, "command must not be empty", http.StatusBadRequest)
		return
	}
	s.send(w, r, func(ctx context.Context) error { return s.Links.SendCommand(ctx, req.Command) })
}

func (s *Server) sendAlert(w http.ResponseWriter, r *http.Request) {
	s.send(w, r, s.Links.SendAlert)
}

func (s *Server) queryStatus(w http.ResponseWriter, r *http.Request) {
	s.send(w, r, s.Links.QueryStatus)
}

func (s *Server) rescan(w http.ResponseWriter, r *http.Request) {
	if err := s.Links.Rescan(); err != nil {
		http.Error(w, err.Error(), sendStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "rescanning"})
}

type dataRequest struct {
	Format string `json:"format"`
	Text   string `json:"text"`
}

func (s *Server) sendData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	format := frame.DataFormat(strings.ToLower(req.Format))
	if _, err := frame.FormatData(format, req.Text); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.send(w, r, func(ctx context.Context) error { return s.Links.SendData(ctx, format, req.Text) })
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Debug("api: send", zap.Error(err))
		http.Error(w, err.Error(), sendStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

// sendStatus maps a send error to an HTTP status code.
func sendStatus(err error) int {
	switch {
	case errors.Is(err, security.ErrUnsafeInput),
		errors.Is(err, security.ErrInputTooLong),
		errors.Is(err, transport.ErrFrameSize):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, transport.ErrWriteTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	h := s.Links.History()
	writeJSON(w, http.StatusOK, map[string]any{"history": h, "count": len(h)})
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	s.Links.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

// ── Audit ─────────────────────────────────────────────────────────────────

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	min, err := querySeverity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 100, 1, audit.DefaultCapacity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries := s.Audit.Filter(min)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   s.Audit.Count(),
		"enabled": s.Audit.Enabled(),
	})
}

func (s *Server) clearAudit(w http.ResponseWriter, r *http.Request) {
	s.Audit.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	path, err := s.Audit.ExportToFile()
	if err != nil {
		s.log.Error("api: export audit", zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (s *Server) archiveAudit(w http.ResponseWriter, r *http.Request) {
	n, err := s.Archive.ArchiveAudit(s.Audit.Entries())
	if err != nil {
		s.log.Error("api: archive audit", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": n})
}

func (s *Server) listArchived(w http.ResponseWriter, r *http.Request) {
	min, err := querySeverity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 100, 1, 5000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.Archive.ListArchived(limit, min)
	if err != nil {
		s.log.Error("api: list archived audit", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// ── Settings ──────────────────────────────────────────────────────────────

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.Settings.All()
	if err != nil {
		s.log.Error("api: list settings", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": all})
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, err := s.Settings.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "setting not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("api: get setting", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}

type settingRequest struct {
	Value string `json:"value"`
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	value := strings.TrimSpace(req.Value)
	if err := validateSetting(key, value); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, errUnknownSetting) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	if err := s.Settings.Set(key, value); err != nil {
		s.log.Error("api: set setting", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

var errUnknownSetting = errors.New("unknown setting")

func validateSetting(key, value string) error {
	switch key {
	case store.KeyConnectionMethod:
		if value != config.TransportBLE && value != config.TransportSerial {
			return fmt.Errorf("connection_method must be %q or %q", config.TransportBLE, config.TransportSerial)
		}
	case store.KeyBLEDeviceName:
		if value == "" {
			return errors.New("ble_device_name must not be empty")
		}
		return security.ValidateInput(value, maxDeviceName)
	case store.KeySerialBaudRate:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return errors.New("serial_baud_rate must be a positive integer")
		}
	default:
		return fmt.Errorf("%w: %s", errUnknownSetting, key)
	}
	return nil
}

// ── Markers and security ──────────────────────────────────────────────────

func (s *Server) listMarkers(w http.ResponseWriter, r *http.Request) {
	markers := s.Markers.ListMarkers()
	writeJSON(w, http.StatusOK, map[string]any{"markers": markers, "count": len(markers)})
}

func (s *Server) securityStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Security.Stats())
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.Subscribe()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: connection cannot be hijacked")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}

func querySeverity(r *http.Request) (audit.Severity, error) {
	v := r.URL.Query().Get("min_severity")
	if v == "" {
		return audit.SeverityInfo, nil
	}
	return audit.ParseSeverity(v)
}
