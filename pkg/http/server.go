package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"callaudit/pkg/auth"
	"callaudit/pkg/correlation"
	"callaudit/pkg/metrics"
	"callaudit/pkg/ratelimit"
	"callaudit/pkg/version"
)

// DatabaseHealth is implemented by the report store.
type DatabaseHealth interface {
	Health(ctx context.Context) error
}

// BrokerStatus is implemented by the AMQP client.
type BrokerStatus interface {
	IsConnected() bool
}

// Server represents the HTTP server exposing the analysis API, health checks
// and metrics
type Server struct {
	config             *Config
	logger             *logrus.Logger
	httpServer         *http.Server
	mux                *http.ServeMux
	startTime          time.Time
	routes             []string
	database           DatabaseHealth
	broker             BrokerStatus
	reloader           RuleReloader
	rateLimiter        *ratelimit.HTTPMiddleware
	authMiddleware     *AuthMiddleware
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config) *Server {
	if config == nil {
		config = NewDefaultConfig()
	}

	server := &Server{
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux

	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	mux.HandleFunc("/health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("/health/live", addServerHeader(server.LivenessHandler))
	mux.HandleFunc("/health/ready", addServerHeader(server.ReadinessHandler))

	if config.EnableMetrics && metrics.IsMetricsEnabled() {
		metrics.RegisterHandler(mux)
		logger.WithField("path", metrics.MetricsPath()).Info("Prometheus metrics endpoint enabled")
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	mux.HandleFunc("/status", addServerHeader(server.statusHandler))

	if config.RateLimit != nil && config.RateLimit.Enabled {
		server.rateLimiter = ratelimit.NewHTTPMiddleware(config.RateLimit, logger)
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      server.buildHandler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server
}

// buildHandler chains tracing, correlation, rate limiting and authentication
// in front of the mux. Throttling runs before authentication so credential
// guessing is limited too.
func (s *Server) buildHandler() http.Handler {
	var handler http.Handler = s.mux
	if s.authMiddleware != nil {
		handler = s.authMiddleware.Middleware(handler)
	}
	if s.rateLimiter != nil {
		handler = s.rateLimiter.Middleware(handler)
	}
	handler = correlation.Middleware(s.logger, handler)
	return otelhttp.NewHandler(handler, "callaudit.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// EnableAuth requires credentials on API routes. Call before Start.
func (s *Server) EnableAuth(authenticator *auth.Authenticator, config *AuthConfig) {
	s.authMiddleware = NewAuthMiddleware(authenticator, s.logger, config)
	s.httpServer.Handler = s.buildHandler()
	s.logger.WithField("api_keys", authenticator.KeyCount()).Info("API authentication enabled")
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// RegisterHandler adds a handler to the server. Requests are counted under
// path in the HTTP metrics.
func (s *Server) RegisterHandler(path string, handler http.HandlerFunc) {
	s.routes = append(s.routes, path)
	s.mux.HandleFunc(path, instrument(path, handler))
	s.logger.WithField("path", path).Debug("Registered HTTP handler")
}

// SetDatabase sets the report store checked by /health
func (s *Server) SetDatabase(db DatabaseHealth) {
	s.database = db
}

// SetBroker sets the AMQP client checked by /health
func (s *Server) SetBroker(broker BrokerStatus) {
	s.broker = broker
}

// SetRuleReloader sets the rule reloader reported by /health
func (s *Server) SetRuleReloader(reloader RuleReloader) {
	s.reloader = reloader
}

// Start starts the HTTP server in a goroutine
func (s *Server) Start() {
	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")

	go func() {
		if s.config.TLSEnabled {
			if s.config.TLSCertFile == "" || s.config.TLSKeyFile == "" {
				s.logger.Error("TLS is enabled but certificate or key path is missing; refusing to start HTTP server")
				return
			}

			s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

			if err := s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile); err != nil && err != http.ErrServerClosed {
				s.logger.WithError(err).Error("HTTP TLS server failed")
			}
			return
		}

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	go func() {
		time.Sleep(500 * time.Millisecond)

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.config.Port), 2*time.Second)
		if err != nil {
			s.logger.WithError(err).Error("Could not connect to HTTP server")
			return
		}
		s.logger.Info("HTTP server is running correctly")
		conn.Close()
	}()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"version":    version.Version,
		"started_at": s.startTime.Format(time.RFC3339),
		"routes":     s.routes,
	}
	if s.reloader != nil {
		if event := s.reloader.LastEvent(); event != nil {
			status["last_rule_reload"] = event
		}
	}

	writeJSON(w, http.StatusOK, status)
}

func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		done := metrics.ObserveHTTPRequest(name)
		recorder := &correlation.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next(recorder, r)
		done(recorder.Status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
