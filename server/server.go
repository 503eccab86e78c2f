// Package server accepts device WebSocket connections and drives their
// sessions.
//
// Each connection gets one goroutine that reads frames sequentially and
// hands them to its session. Shutdown stops accepting, drains the session
// registry (flushing every session) and then closes the sockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/tapedeck/listing"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/metrics"
	"github.com/pithecene-io/tapedeck/policy"
	"github.com/pithecene-io/tapedeck/session"
	"github.com/pithecene-io/tapedeck/types"
)

// Defaults for Config.
const (
	DefaultMaxFrameBytes = 4 * 1024 * 1024
	DefaultWriteTimeout  = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":3000".
	Addr string
	// MaxFrameBytes bounds one inbound frame. Zero uses the default.
	MaxFrameBytes int64
	// WriteTimeout bounds one status frame write. Zero uses the default.
	WriteTimeout time.Duration
}

// Deps are the collaborators of a Server. Registry and Policy are required.
type Deps struct {
	Registry  *session.Registry
	Policy    policy.Policy
	Lister    *listing.Lister
	Collector *metrics.Collector
	Logger    *log.Logger
}

// Server is the WebSocket ingestion endpoint.
type Server struct {
	cfg       Config
	registry  *session.Registry
	policy    policy.Policy
	lister    *listing.Lister
	collector *metrics.Collector
	logger    *log.Logger
	upgrader  websocket.Upgrader

	// ctx outlives individual connections so a disconnect never cancels
	// the upload of that connection's final artifact.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	http  *http.Server
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// New creates a Server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Policy == nil {
		return nil, errors.New("server requires a registry and a policy")
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		registry:  deps.Registry,
		policy:    deps.Policy,
		lister:    deps.Lister,
		collector: deps.Collector,
		logger:    deps.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn]struct{}),
	}, nil
}

// Handler returns the HTTP handler: WebSocket ingestion at / and /ws,
// JSON at /stats and /files.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /files", s.handleFiles)
	return mux
}

// ListenAndServe serves on cfg.Addr until ctx ends, then shuts down with
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("listening", map[string]any{"addr": ln.Addr().String()})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections, flushes every open session and
// closes the sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.registry.Drain(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	for c := range s.conns {
		go c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.cancel()
	s.logger.Info("server stopped", nil)
	return errors.Join(errs...)
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]any{
			"remote": r.RemoteAddr,
			"error":  log.ErrField(err),
		})
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	c := newConn(ws, s.cfg.WriteTimeout)
	s.track(c)
	defer s.untrack(c)

	sess, err := s.registry.Open(c)
	if err != nil {
		c.close(websocket.CloseTryAgainLater, "not accepting sessions")
		return
	}
	logger := s.logger.With(map[string]any{"session_id": sess.ID(), "remote": r.RemoteAddr})
	defer func() {
		_, _ = s.registry.Close(s.ctx, c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("connection closed unexpectedly", map[string]any{"error": log.ErrField(err)})
			} else {
				logger.Debug("connection closed", nil)
			}
			return
		}

		kind := session.TextMessage
		if mt == websocket.BinaryMessage {
			kind = session.BinaryMessage
		}

		err = sess.HandleMessage(s.ctx, kind, data)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrSessionClosed):
			return
		default:
			logger.Debug("message not accepted", map[string]any{
				"kind":  kind.String(),
				"error": log.ErrField(err),
			})
		}
	}
}

// Stats is the /stats response body.
type Stats struct {
	Version      string           `json:"version"`
	Policy       policy.Stats     `json:"policy"`
	Metrics      metrics.Snapshot `json:"metrics"`
	OpenSessions int              `json:"open_sessions"`
	Sessions     []session.Info   `json:"sessions"`
}

// Snapshot gathers the current stats.
func (s *Server) Snapshot() Stats {
	ps := s.policy.Stats()
	s.collector.AbsorbPolicyStats(ps.Frames, ps.Bytes, ps.Flushes)
	return Stats{
		Version:      types.Version,
		Policy:       ps,
		Metrics:      s.collector.Snapshot(),
		OpenSessions: s.registry.Len(),
		Sessions:     s.registry.Sessions(),
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		http.NotFound(w, r)
		return
	}
	infos, err := s.lister.Artifacts(r.Context())
	if err != nil {
		s.logger.Error("failed to list artifacts", map[string]any{"error": log.ErrField(err)})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []types.ArtifactInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
