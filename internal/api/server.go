package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/offline"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
)

// Server is the debug HTTP API
type Server struct {
	port       int
	svc        *offline.Service
	manual     *connectivity.Manual
	metrics    http.Handler
	jwtSecret  []byte
	logger     *slog.Logger
	httpServer *http.Server
	eventQueue int
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithJWTSecret turns on bearer authentication.
func WithJWTSecret(secret []byte) Option {
	return func(s *Server) { s.jwtSecret = secret }
}

// WithManualConnectivity lets PUT /api/connectivity drive the given
// provider.
func WithManualConnectivity(m *connectivity.Manual) Option {
	return func(s *Server) { s.manual = m }
}

// NewServer creates a new API server
func NewServer(port int, svc *offline.Service, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		port:       port,
		svc:        svc,
		logger:     logger.With("component", "api"),
		eventQueue: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/state", s.handleState)

	api.HandleFunc("GET /api/queue", s.handleListQueue)
	api.HandleFunc("POST /api/queue", s.handleEnqueue)
	api.HandleFunc("GET /api/queue/stats", s.handleQueueStats)
	api.HandleFunc("POST /api/queue/prune", s.handlePrune)
	api.HandleFunc("POST /api/queue/clear", s.handleClearQueue)
	api.HandleFunc("DELETE /api/queue/{id}", s.handleRemoveOperation)

	api.HandleFunc("POST /api/sync", s.handleSync)
	api.HandleFunc("POST /api/settings", s.handleSettings)

	api.HandleFunc("GET /api/cache/{kind}", s.handleGetCache)
	api.HandleFunc("PUT /api/cache/{kind}", s.handlePutCache)
	api.HandleFunc("DELETE /api/cache/{kind}", s.handleRemoveCache)
	api.HandleFunc("DELETE /api/cache", s.handleClearCache)
	api.HandleFunc("POST /api/cache/toggle", s.handleToggleCache)

	api.HandleFunc("GET /api/connectivity", s.handleConnectivity)
	api.HandleFunc("PUT /api/connectivity", s.handleSetConnectivity)
	api.HandleFunc("GET /api/secure", s.handleSecure)

	if s.metrics != nil {
		api.Handle("GET /metrics", s.metrics)
	}

	var secret []byte
	if len(s.jwtSecret) > 0 {
		secret = s.jwtSecret
	}

	// The event stream authenticates with ?token= since browsers cannot set
	// headers on a websocket upgrade.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("/", security.AuthMiddleware(secret, s.logger)(api))

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
