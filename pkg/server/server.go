// Package server hosts live view connections over HTTP/WebSocket. It owns
// the upgrade path, one pump goroutine per connection, and the routing of
// inbound messages to the per-topic channels that do the real work.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumen-dev/lumen/pkg/auth"
	"github.com/lumen-dev/lumen/pkg/channel"
	"github.com/lumen-dev/lumen/pkg/metrics"
	"github.com/lumen-dev/lumen/pkg/protocol"
	"github.com/lumen-dev/lumen/pkg/transport"
	"github.com/lumen-dev/lumen/pkg/view"
)

// Server accepts WebSocket connections and runs live view channels on them.
type Server struct {
	config     *Config
	views      *view.Registry
	verifier   auth.Verifier
	flash      auth.FlashSigner
	serializer protocol.Serializer
	metrics    *metrics.Collector
	logger     *slog.Logger

	upgrader   websocket.Upgrader
	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSerializer overrides the wire serializer.
func WithSerializer(serializer protocol.Serializer) Option {
	return func(s *Server) {
		if serializer != nil {
			s.serializer = serializer
		}
	}
}

// WithFlashSigner sets the signer for redirect flash payloads. A
// *auth.TokenVerifier passed as the verifier signs flash automatically;
// this option covers split-key deployments.
func WithFlashSigner(signer auth.FlashSigner) Option {
	return func(s *Server) { s.flash = signer }
}

// WithMetrics overrides the channel metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) { s.metrics = collector }
}

// New builds a server for the given view registry and token verifier.
func New(config *Config, views *view.Registry, verifier auth.Verifier, opts ...Option) *Server {
	cfg := config.withDefaults()

	s := &Server{
		config:     cfg,
		views:      views,
		verifier:   verifier,
		serializer: protocol.JSONSerializer{},
		logger:     slog.Default().With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}

	// A verifier with signing capability doubles as the flash signer.
	if signer, ok := verifier.(auth.FlashSigner); ok {
		s.flash = signer
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil && !cfg.DisableMetrics {
		s.metrics = metrics.NewCollector()
	}

	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get(s.config.LivePath, s.handleLive)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if !s.config.DisableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// Handler returns the server's HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Mount adds application routes under the given pattern.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

// handleLive upgrades the request and hands the connection to a pump.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	handle := transport.NewWebSocket(ws, s.serializer, &transport.WebSocketConfig{
		WriteTimeout: s.config.WriteTimeout,
		ReadTimeout:  s.config.ReadTimeout,
	}, s.logger)

	c := newConn(handle, &channel.Config{
		Verifier: s.verifier,
		Views:    s.views,
		Flash:    s.flash,
		Metrics:  s.metrics,
		Logger:   s.logger,
	}, s.logger.With("remote", r.RemoteAddr))

	// The request context dies when this handler returns; the pump outlives
	// it by design.
	go c.pump(context.Background())
}

// ListenAndServe runs the server until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server directly, for embedders that manage their
// own signals.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// drainDeadline is how long a pump waits for channels to observe transport
// death before giving up its bookkeeping.
const drainDeadline = 5 * time.Second
