package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/tunnel"
)

// maxMessageSize bounds a request body.
const maxMessageSize = 64 << 10

// Handler answers control messages. HandleMessage receives the raw wire
// message and returns the response body, or nil for no data.
type Handler interface {
	HandleMessage(ctx context.Context, data []byte) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, data []byte) []byte

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, data []byte) []byte {
	return f(ctx, data)
}

// ServerConfig holds control server configuration.
type ServerConfig struct {
	// Socket is the unix socket path to listen on.
	Socket  string
	Handler Handler
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server serves the control channel on a unix domain socket.
type Server struct {
	socket  string
	handler Handler
	metrics http.Handler
	logger  *slog.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer creates a control server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("control")
	}
	return &Server{
		socket:  cfg.Socket,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Handler returns the HTTP handler for the control channel.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/v1/message", s.handleMessage)
	r.Get("/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return r
}

// Start listens on the socket and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return tunnel.ErrAlreadyRunning
	}
	if s.socket == "" {
		return errors.New("control socket path is required")
	}

	if err := os.MkdirAll(filepath.Dir(s.socket), 0755); err != nil { //nolint:gosec // G301: socket directory is shared with the controller
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(s.socket); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socket, err)
	}
	// The controller usually runs unprivileged.
	if err := os.Chmod(s.socket, 0666); err != nil { //nolint:gosec // G302: socket must be reachable by the controller
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return logging.WithContext(context.Background(), s.logger) },
	}

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", "error", err)
		}
	}(s.srv, ln)

	s.logger.Info("control channel listening", "socket", s.socket)
	return nil
}

// Stop shuts the server down and removes the socket.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if rerr := os.Remove(s.socket); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

// Addr returns the listening address, or nil if the server is not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		s.logger.Debug("failed to read control message", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := s.handler.HandleMessage(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp) //nolint:errcheck // client gone
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck // client gone
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("control request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// removeStaleSocket deletes a socket file left behind by a previous runtime.
// A socket that still accepts connections belongs to a live runtime.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("control socket %s: %w", path, tunnel.ErrAlreadyRunning)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
