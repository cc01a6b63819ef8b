// Package web composes the HTTP surface of the service: the streaming chat
// endpoint, the health probe, and the Prometheus metrics listener.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chattyhq/chatty/internal/observability"
)

// Config holds the listener settings.
type Config struct {
	Host        string
	Port        int
	MetricsPort int
	APIPrefix   string
}

// Server owns the two HTTP listeners: the API server and, when a metrics
// port is configured, a separate metrics server so scrapes never contend
// with chat traffic.
type Server struct {
	config Config
	logger *observability.Logger

	api     *http.Server
	metrics *http.Server
	addr    string
}

// NewServer builds the server around the chat handler. Middleware order is
// metrics outermost, then logging, so rejected requests are counted too.
func NewServer(cfg Config, chat http.Handler, logger *observability.Logger, metrics *observability.Metrics) *Server {
	cfg.APIPrefix = normalizePrefix(cfg.APIPrefix)

	mux := http.NewServeMux()
	mux.Handle(cfg.APIPrefix+"/chat", chat)
	mux.HandleFunc("/healthz", handleHealthz)

	var handler http.Handler = mux
	handler = LoggingMiddleware(logger)(handler)
	handler = MetricsMiddleware(metrics)(handler)

	s := &Server{
		config: cfg,
		logger: logger,
		api: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	if cfg.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s
}

// Handler returns the wrapped API handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.api.Handler
}

// Addr returns the bound API address. It is empty before Start.
func (s *Server) Addr() string {
	return s.addr
}

// ChatPath returns the mounted chat route.
func (s *Server) ChatPath() string {
	return s.config.APIPrefix + "/chat"
}

// Start opens both listeners and serves in the background. It returns once
// the sockets are bound so callers see port conflicts as startup errors.
func (s *Server) Start(ctx context.Context) error {
	apiListener, err := net.Listen("tcp", s.api.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.addr = apiListener.Addr().String()
	go s.serve(ctx, s.api, apiListener, "api")
	if s.logger != nil {
		s.logger.Info(ctx, "http server started",
			"addr", s.addr,
			"chat_path", s.ChatPath(),
		)
	}

	if s.metrics != nil {
		metricsListener, err := net.Listen("tcp", s.metrics.Addr)
		if err != nil {
			s.api.Close()
			return fmt.Errorf("metrics listen: %w", err)
		}
		go s.serve(ctx, s.metrics, metricsListener, "metrics")
		if s.logger != nil {
			s.logger.Info(ctx, "metrics server started", "addr", metricsListener.Addr().String())
		}
	}

	return nil
}

func (s *Server) serve(ctx context.Context, server *http.Server, listener net.Listener, name string) {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if s.logger != nil {
			s.logger.Error(ctx, "http server failed", "server", name, "error", err)
		}
	}
}

// Shutdown drains both listeners within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// normalizePrefix trims a trailing slash and guarantees a leading one, so
// "api/v1/" and "/api/v1" both mount the chat route at "/api/v1/chat".
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
