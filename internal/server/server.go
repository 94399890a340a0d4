package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/pilot"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/position"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracker"
)

// State is the read-only view of the pipeline served by the API
type State interface {
	Pilots() []pilot.Entry
	Pilot(name string) (pilot.Entry, bool)
	Position() position.Frame
	Sources() []tracker.LogSource
	Generation() uint64
	InFlight() int
}

// Server provides HTTP endpoints for metrics, health, the API and the
// live stream
type Server struct {
	metricsServer *http.Server
	apiServer     *http.Server
	logger        *logging.Logger
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	APIAddress      string
	APITimeout      time.Duration
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	State           State
	// Stream upgrades /ws requests; nil disables the endpoint
	Stream http.Handler
	// Debug serves /debug/ on the metrics server; nil disables it
	Debug http.Handler
	// TLS serves the API over HTTPS when set
	TLS    *tls.Config
	Logger *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{
		logger: cfg.Logger.WithComponent("server"),
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		s.metricsServer = &http.Server{
			Addr:         cfg.MetricsAddress,
			Handler:      MetricsHandler(cfg.MetricsRegistry, cfg.MetricsPath, cfg.Debug),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if cfg.Debug != nil {
			// CPU profiles stream for up to 30s by default
			s.metricsServer.WriteTimeout = 60 * time.Second
		}
	}

	if cfg.APIAddress != "" {
		// no write timeout: /ws connections are long lived
		s.apiServer = &http.Server{
			Addr:              cfg.APIAddress,
			Handler:           APIHandler(cfg),
			ReadHeaderTimeout: 5 * time.Second,
			TLSConfig:         cfg.TLS,
		}
	}

	return s
}

// MetricsHandler serves the registry at path and debug, when set, under
// /debug/
func MetricsHandler(registry *prometheus.Registry, path string, debug http.Handler) http.Handler {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))
	if debug != nil {
		mux.Handle("/debug/", debug)
	}
	return mux
}

// APIHandler builds the API router
func APIHandler(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger.WithComponent("api")))
	r.Use(chimiddleware.Recoverer)

	if cfg.HealthChecker != nil {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", cfg.HealthChecker.HTTPHandler())
			r.Get("/live", cfg.HealthChecker.LivenessHandler())
			r.Get("/ready", cfg.HealthChecker.ReadinessHandler())
		})
	}

	if cfg.Stream != nil {
		r.Handle("/ws", cfg.Stream)
	}

	if cfg.State != nil {
		h := &handlers{state: cfg.State}
		r.Route("/api", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))
			r.Get("/pilots", h.pilots)
			r.Get("/pilots/{name}", h.pilot)
			r.Get("/position", h.position)
			r.Get("/sources", h.sources)
			r.Get("/status", h.status)
		})
	}

	return r
}

// requestLogger logs each request once it has been served
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Request served")
		})
	}
}

type handlers struct {
	state State
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) pilots(w http.ResponseWriter, r *http.Request) {
	entries := h.state.Pilots()
	if r.URL.Query().Get("hostile") == "true" {
		hostile := entries[:0]
		for _, e := range entries {
			if e.Hostile() {
				hostile = append(hostile, e)
			}
		}
		entries = hostile
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) pilot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, ok := h.state.Pilot(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("pilot %q not seen", name)})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) position(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Position())
}

func (h *handlers) sources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Sources())
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": h.state.Generation(),
		"in_flight":  h.state.InFlight(),
		"pilots":     len(h.state.Pilots()),
		"sources":    len(h.state.Sources()),
	})
}

// Start starts the servers
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	if s.metricsServer != nil {
		go func() {
			s.logger.Info().
				Str("address", s.metricsServer.Addr).
				Msg("Starting metrics server")

			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	if s.apiServer != nil {
		go func() {
			s.logger.Info().
				Str("address", s.apiServer.Addr).
				Msg("Starting API server")

			var err error
			if s.apiServer.TLSConfig != nil {
				err = s.apiServer.ListenAndServeTLS("", "")
			} else {
				err = s.apiServer.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()
	}

	// Wait a bit to see if there are any immediate startup errors
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var err error

	if s.metricsServer != nil {
		s.logger.Info().Msg("Shutting down metrics server")
		if shutdownErr := s.metricsServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("Error shutting down metrics server")
			err = shutdownErr
		}
	}

	if s.apiServer != nil {
		s.logger.Info().Msg("Shutting down API server")
		if shutdownErr := s.apiServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("Error shutting down API server")
			if err == nil {
				err = shutdownErr
			}
		}
	}

	return err
}

// Name returns the component name
func (s *Server) Name() string {
	return "server"
}
