// Package transport is the WebSocket and HTTP surface of the gateway.
// Envelopes are opaque to it: frames are decoded at the edge and handed to
// the dispatcher, which owns all routing. Per-connection frame order is
// preserved by the single writer goroutine, and a dropped connection is
// reported to the dispatcher's ConnectionEventSink so outstanding dispatches
// fail fast instead of timing out.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"continuum/internal/dispatch"
	"continuum/internal/logging"
	"continuum/internal/metrics"
	"continuum/internal/protocol"
	"continuum/internal/registry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// staleFrameAge is the envelope age above which an inbound frame is logged
// as stale. Clocks across contexts are not synchronized, so stale frames are
// still processed; the log line is for diagnosing slow or buffering peers.
const staleFrameAge = 30 * time.Second

// Options configures the transport surface.
type Options struct {
	Addr            string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	RequestTimeout  time.Duration // timeout for HTTP-initiated dispatches
	ShutdownTimeout time.Duration
}

// Server owns the HTTP listener, the WebSocket upgrade path, and the set of
// live connections.
type Server struct {
	opts       Options
	dispatcher *dispatch.Dispatcher
	sink       dispatch.ConnectionEventSink
	registry   *registry.Registry
	watcher    *registry.ManifestWatcher // may be nil
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry
	log        *logging.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.Mutex
	conns map[string]*Conn
}

// New creates the transport server. The watcher may be nil when manifest
// watching is disabled.
func New(opts Options, d *dispatch.Dispatcher, reg *registry.Registry, watcher *registry.ManifestWatcher, m *metrics.Metrics) (*Server, error) {
	promReg := prometheus.NewRegistry()
	if err := m.Register(promReg); err != nil {
		return nil, fmt.Errorf("register collectors: %w", err)
	}

	s := &Server{
		opts:       opts,
		dispatcher: d,
		sink:       d,
		registry:   reg,
		watcher:    watcher,
		metrics:    m,
		promReg:    promReg,
		log:        logging.Get(logging.CategoryTransport),
		conns:      make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{protocol.SubprotocolJSON, protocol.SubprotocolCBOR},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	router := chi.NewRouter()
	router.Get("/ws", s.handleWS)
	router.Get("/healthz", s.handleHealth)
	router.Get("/api/commands", s.handleCommands)
	router.Get("/api/rooms", s.handleRooms)
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:    opts.Addr,
		Handler: router,
	}
	return s, nil
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info("transport listening on %s", s.opts.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes live ones, and drains the
// HTTP server. Closing each connection drives its readPump to exit, which
// notifies the sink and rejects outstanding dispatches.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// handleWS upgrades the HTTP request and runs the connection's pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	codec := protocol.CodecFor(ws.Subprotocol())
	conn := newConn(uuid.NewString(), ws, codec, s.opts.PingInterval, s.opts.WriteTimeout)
	conn.wrote = func() { s.metrics.Frames.WithLabelValues("out").Inc() }

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
	s.metrics.Connections.Inc()
	logging.Audit(logging.AuditEvent{
		EventType:    logging.AuditConnectionOpened,
		ConnectionID: conn.ID(),
		Message:      codec.Name(),
	})
	s.log.Info("connection %s opened from %s (%s)", conn.ID(), r.RemoteAddr, codec.Name())

	go conn.writePump()
	conn.readPump(s.opts.MaxMessageSize, func(env protocol.Envelope) {
		s.metrics.Frames.WithLabelValues("in").Inc()
		if age := env.Age(); age > staleFrameAge {
			s.log.Warn("frame %s from %s is %v old", env.CorrelationID, conn.ID(), age)
		}
		s.dispatcher.HandleInbound(conn, env)
	})

	// readPump returned: the connection is gone.
	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
	s.metrics.Connections.Dec()
	s.sink.OnDisconnect(conn.ID())
	logging.Audit(logging.AuditEvent{
		EventType:    logging.AuditConnectionClosed,
		ConnectionID: conn.ID(),
	})
	s.log.Info("connection %s closed", conn.ID())
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.ConnCount(),
		"commands":    s.registry.Len(),
	})
}

// handleCommands serves registry introspection: every definition in
// registration order, plus whether manifests drifted since startup.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	response := map[string]any{
		"commands": s.registry.List(category),
	}
	if s.watcher != nil {
		stale, file := s.watcher.Stale()
		response["manifestsStale"] = stale
		if stale {
			response["changedManifest"] = file
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// handleRooms runs a real listRooms dispatch through the core rather than
// reaching into daemon state, which only the daemon worker may touch.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	future, err := s.dispatcher.Dispatch(r.Context(), "rooms", "listRooms", map[string]any{}, s.opts.RequestTimeout, nil)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	result, err := future.Wait(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Get(logging.CategoryTransport).Warn("response encode failed: %v", err)
	}
}
