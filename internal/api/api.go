// Package api serves the link daemon's HTTP surface.
//
// Routes:
//
//	GET  /api/v1/status       session snapshot and gateway health
//	GET  /api/v1/history      journaled lifecycle events (?limit=)
//	GET  /api/v1/backends     backend directory
//	POST /api/v1/connect      {"descriptor": "host:port:device"}
//	POST /api/v1/device       {"port": "A"}
//	POST /api/v1/disconnect   user disconnect
//	POST /api/v1/commands     {"name": "...", "args": [{"name": "...", "value": "..."}]}
//	GET  /api/v1/events       WebSocket live stream
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
	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/gateway"
	"github.com/meshcommons/backendlink/internal/link"
	"github.com/meshcommons/backendlink/internal/protocol"
	"github.com/meshcommons/backendlink/internal/store"
)

// Link is the session surface the API drives.
type Link interface {
	Snapshot() link.Snapshot
	ConnectDescriptor(ctx context.Context, d link.Descriptor) error
	SelectDevice(devicePort string) error
	Send(name string, args ...protocol.Arg) bool
	Close()
}

// History reads the journal.
type History interface {
	ListEvents(limit int) ([]*store.Event, error)
}

// Backends lists the backend directory.
type Backends interface {
	List() []store.Backend
}

// Bus is the subset of gateway.EventBus the stream endpoint needs.
type Bus interface {
	Subscribe() (<-chan gateway.Event, func())
	Len() int
}

const pingInterval = 20 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	link     Link
	history  History
	backends Backends
	bus      Bus
	log      *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(l Link, history History, backends Backends, bus Bus, log *zap.Logger) http.Handler {
	s := &Server{link: l, history: history, backends: backends, bus: bus, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/history", s.listHistory)
	mux.HandleFunc("GET /api/v1/backends", s.listBackends)

	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/device", s.selectDevice)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)
	mux.HandleFunc("POST /api/v1/commands", s.sendCommand)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	log.Info("api: listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("api: context cancelled – shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"link":        s.link.Snapshot(),
		"subscribers": s.bus.Len(),
	})
}

// ── History / directory ───────────────────────────────────────────────────

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.history.ListEvents(limit)
	if err != nil {
		s.log.Error("api: list events", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) listBackends(w http.ResponseWriter, r *http.Request) {
	backends := s.backends.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backends": backends,
		"count":    len(backends),
	})
}

// ── Session control ───────────────────────────────────────────────────────

type connectRequest struct {
	Descriptor string `json:"descriptor"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	d, err := link.ParseDescriptorStrict(req.Descriptor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.link.ConnectDescriptor(r.Context(), d); err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.link.Snapshot())
}

type deviceRequest struct {
	Port string `json:"port"`
}

func (s *Server) selectDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Port) == "" {
		http.Error(w, "port required", http.StatusBadRequest)
		return
	}
	if err := s.link.SelectDevice(req.Port); err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.link.Snapshot())
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.link.Close()
	writeJSON(w, http.StatusOK, s.link.Snapshot())
}

type commandRequest struct {
	Name string         `json:"name"`
	Args []protocol.Arg `json:"args"`
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	switch req.Name {
	case "":
		http.Error(w, "name required", http.StatusBadRequest)
		return
	case protocol.CmdHandshake, protocol.CmdConnect:
		http.Error(w, req.Name+" is managed by the session", http.StatusBadRequest)
		return
	}
	sent := s.link.Send(req.Name, req.Args...)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"name": req.Name, "sent": sent})
}

// writeLinkError maps session errors onto status codes.
func writeLinkError(w http.ResponseWriter, err error) {
	var lost *link.LostError
	switch {
	case errors.Is(err, link.ErrAlreadyConnected), errors.Is(err, link.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &lost):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"reason": lost.Reason.String(),
		})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
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
		case <-gone:
			return
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
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
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
		return 0, fmt.Errorf("%s must be %d–%d", key, min, max)
	}
	return n, nil
}
