package enginehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/theroutercompany/engine_manager/internal/auth"
	"github.com/theroutercompany/engine_manager/internal/config"
	"github.com/theroutercompany/engine_manager/internal/http/middleware"
	"github.com/theroutercompany/engine_manager/internal/loader"
	"github.com/theroutercompany/engine_manager/internal/platform/health"
	"github.com/theroutercompany/engine_manager/pkg/engine"
	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
	"github.com/theroutercompany/engine_manager/pkg/metrics"
	"github.com/theroutercompany/engine_manager/pkg/problem"
)

const maxRequestBodyBytes int64 = 64 << 10

type readinessReporter interface {
	Readiness(ctx context.Context) health.Report
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithLogger overrides the logger. Defaults to the shared logger.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLoader overrides the loader behind /v1/engine/load.
func WithLoader(l *loader.Loader) Option {
	return func(s *Server) {
		if l != nil {
			s.loader = l
		}
	}
}

// Server exposes the engine manager contract over HTTP.
type Server struct {
	cfg            config.Config
	router         *http.ServeMux
	handler        http.Handler
	httpServer     *http.Server
	engine         engine.Interface
	loader         *loader.Loader
	healthChecker  readinessReporter
	metricsHandler http.Handler
	authenticator  *auth.Authenticator
	rateLimiter    *rateLimiter
	cors           *cors.Cors
	logger         pkglog.Logger
	bootTime       time.Time

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu   sync.Mutex
	addr string
}

// NewServer constructs a server over svc. svc may be nil, in which case the
// direct engine endpoints answer 503.
func NewServer(cfg config.Config, svc engine.Interface, checker readinessReporter, registry *metrics.Registry, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		cfg:           cfg,
		router:        mux,
		engine:        svc,
		healthChecker: checker,
		rateLimiter:   newRateLimiter(cfg.RateLimit.Window.AsDuration(), cfg.RateLimit.Max),
		cors:          buildCORS(cfg.CORS.AllowedOrigins),
		logger:        pkglog.Shared(),
		bootTime:      time.Now().UTC(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.loader == nil {
		s.loader = loader.New(svc, loader.WithLogger(s.logger), loader.WithConfig(cfg))
	}

	if registry != nil && cfg.Metrics.Enabled {
		s.metricsHandler = registry.Handler()
		s.requests = registry.CounterVec("http_requests_total", "HTTP requests by route and status code.", "method", "route", "code")
		s.duration = registry.HistogramVec("http_request_duration_seconds", "HTTP request latency.", nil, "method", "route")
	}

	if cfg.Auth.Secret != "" {
		if authenticator, err := auth.New(cfg.Auth); err != nil {
			s.logger.Errorw("failed to initialize authenticator", "error", err)
		} else {
			s.authenticator = authenticator
		}
	}

	s.mountRoutes()

	env := middleware.Env{
		Logger:     s.logger,
		Problem:    problem.Write,
		RequestID:  requestIDFromContext,
		TraceID:    traceIDFromContext,
		ClientAddr: clientAddress,
		Now:        time.Now,
	}
	var allow middleware.AllowFunc
	if s.rateLimiter != nil {
		allow = s.rateLimiter.allow
	}
	handler := middleware.Chain(mux,
		middleware.RequestMetadata(ensureRequestIDs),
		middleware.SecurityHeaders(),
		env.AccessLog(s.observe),
		env.CORS(s.cors),
		env.RateLimit(allow),
		env.BodyLimit(maxRequestBodyBytes),
	)

	http2Server := &http2.Server{}
	s.handler = h2c.NewHandler(handler, http2Server)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(s.httpServer, http2Server); err != nil {
		s.logger.Errorw("failed to configure http2 server", "error", err)
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound listener address once Start has begun serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves HTTP requests until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer == nil {
		return errors.New("http server not initialised")
	}

	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = lis.Addr().String()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", lis.Addr().String())
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout.AsDuration())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("http server shutdown failed", "error", err)
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			s.logger.Errorw("http server stopped with error", "error", err)
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) mountRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /readyz", s.handleReadiness)
	s.router.HandleFunc("GET /readiness", s.handleReadiness)
	if s.metricsHandler != nil {
		s.router.Handle("GET /metrics", s.metricsHandler)
	}

	s.router.HandleFunc("GET /v1/engine/version", s.handleEngineVersion)
	s.router.HandleFunc("GET /v1/engine/libpath", s.handleLibPath)
	s.router.HandleFunc("GET /v1/engine/libraries", s.handleLibraries)
	s.router.HandleFunc("POST /v1/engine/install", s.handleInstall)
	s.router.HandleFunc("POST /v1/engine/load", s.handleLoad)
}

// authorize resolves the caller's grant and checks it holds scope. On failure
// it writes the problem response and returns nil.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scope string) *auth.Grant {
	if s.authenticator == nil {
		problem.Write(w, http.StatusServiceUnavailable, "Service Unavailable", "Engine manager authentication is not configured", traceIDFromContext(r.Context()), r.URL.Path)
		return nil
	}

	grant, err := s.authenticator.Authenticate(r)
	if err == nil {
		err = grant.Require(scope)
	}
	if err != nil {
		s.writeAuthError(w, r, err)
		return nil
	}
	return grant
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr auth.Error
	if !errors.As(err, &authErr) {
		authErr = auth.Error{Status: http.StatusUnauthorized, Title: "Authentication Required", Detail: err.Error()}
	}
	if authErr.Challenge() {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	problem.Write(w, authErr.Status, authErr.Title, authErr.Detail, traceIDFromContext(r.Context()), r.URL.Path)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
		Version   string  `json:"version,omitempty"`
		Backend   string  `json:"backend"`
	}{
		Status:    "ok",
		Uptime:    time.Since(s.bootTime).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.cfg.Version,
		Backend:   s.cfg.Engine.Backend,
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := health.Report{Status: health.StatusReady, CheckedAt: time.Now().UTC()}
	if s.healthChecker != nil {
		report = s.healthChecker.Readiness(r.Context())
	}

	statusCode := http.StatusOK
	if !report.Ready() {
		statusCode = http.StatusServiceUnavailable
	}

	response := struct {
		Status       string                    `json:"status"`
		CheckedAt    time.Time                 `json:"checkedAt"`
		Dependencies []health.DependencyReport `json:"dependencies"`
		RequestID    string                    `json:"requestId,omitempty"`
		TraceID      string                    `json:"traceId,omitempty"`
	}{
		Status:       report.Status,
		CheckedAt:    report.CheckedAt,
		Dependencies: report.Dependencies,
		RequestID:    requestIDFromContext(r.Context()),
		TraceID:      traceIDFromContext(r.Context()),
	}

	writeJSON(w, statusCode, response)
}

func (s *Server) observe(r *http.Request, status int, elapsed time.Duration) {
	if s.requests == nil {
		return
	}
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	s.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	s.duration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
}

func buildCORS(origins []string) *cors.Cors {
	if len(origins) == 0 {
		return nil
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id", "X-Trace-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id"},
		MaxAge:         600,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
