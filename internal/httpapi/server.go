package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/meshweb/internal/gateway"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// Server serves an App over HTTP
type Server struct {
	app        gateway.App
	middleware *Middleware
	server     *http.Server
	logger     *slog.Logger
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address (e.g. ":8080")
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
}

// NewServer creates an HTTP server for app
func NewServer(app gateway.App, config Config, logger *slog.Logger) *Server {
	config.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")

	s := &Server{
		app:        app,
		middleware: NewMiddleware(logger),
		logger:     logger,
	}

	s.server = &http.Server{
		Addr:           config.Addr,
		Handler:        s.Handler(),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return s
}

// Handler returns the app wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	return s.middleware.Recovery(
		s.middleware.RequestID(
			s.middleware.Logging(
				http.HandlerFunc(s.serveApp))))
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. A graceful stop is not an error.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// serveApp translates one HTTP request into an App call
func (s *Server) serveApp(w http.ResponseWriter, r *http.Request) {
	env := gateway.FromHTTPRequest(r)
	if id := GetRequestID(r); id != "" {
		env[gateway.HeaderKey("X-Request-Id")] = id
	}

	code := http.StatusOK
	start := func(status string, headers []web.Header) {
		c, _, err := web.ParseStatusLine(status)
		if err != nil {
			s.logger.Error("app returned invalid status", "status", status, "error", err)
			c = http.StatusInternalServerError
		}
		code = c
		for _, h := range headers {
			w.Header().Add(h.Name, h.Value)
		}
	}

	chunks, err := s.app.Call(r.Context(), env, start)
	if err != nil {
		s.logger.Error("app call failed", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	for _, chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			s.logger.Debug("client went away", "path", r.URL.Path, "error", err)
			return
		}
	}
}
