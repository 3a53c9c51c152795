// Package server provides the HTTP front end of the gatekeeper.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BENDERFACToRY/gatekeeper/discord"
	"github.com/BENDERFACToRY/gatekeeper/gatekeeper"
	"github.com/BENDERFACToRY/gatekeeper/telemetry"
)

// Banner is the body served on every unmatched GET path.
const Banner = "vault gatekeeper"

// Checker synchronizes and returns the roles of a user.
type Checker interface {
	Check(ctx context.Context, userID string) ([]string, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on /check requests.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the gatekeeper.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	checker    Checker
	handler    http.Handler
}

// New creates a new server answering role checks with checker.
func New(cfg Config, checker Checker) (*Server, error) {
	if checker == nil {
		return nil, errors.New("server: checker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		checker: checker,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A check makes up to three sequential upstream calls.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /whoami", s.handleWhoami)

	// {userId} never matches an empty segment, so the bare forms are routed explicitly.
	mux.HandleFunc("GET /check", s.handleMissingUserID)
	mux.HandleFunc("GET /check/{$}", s.handleMissingUserID)
	mux.HandleFunc("GET /check/{userId}", s.handleCheck)

	mux.HandleFunc("GET /", s.handleIndex)
}

// Handler returns the fully wrapped handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "whoami")
	writeText(w, http.StatusOK, "hello")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "index")
	writeText(w, http.StatusOK, Banner)
}

func (s *Server) handleMissingUserID(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "check")
	s.writeError(w, r, gatekeeper.ErrMissingUserID)
}

// handleCheck synchronizes the roles of the user in the path and returns them.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "check")
	telemetry.SetCacheResult(r.Context(), telemetry.CacheNA)

	roles, err := s.checker.Check(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := json.Marshal(roles)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError translates a pipeline error into a plain text response.
// Internal details are logged, never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *discord.APIError

	switch {
	case errors.Is(err, gatekeeper.ErrMissingUserID):
		writeText(w, http.StatusBadRequest, "Missing userId")
	case errors.Is(err, gatekeeper.ErrInvalidUserID):
		writeText(w, http.StatusBadRequest, "Error: Invalid userId")
	case errors.Is(err, gatekeeper.ErrCredential):
		writeText(w, http.StatusInternalServerError, "Error: internal error")
	case errors.Is(err, gatekeeper.ErrUpstream):
		writeText(w, http.StatusBadGateway, "Error: upstream request failed")
	case errors.As(err, &apiErr):
		writeText(w, http.StatusBadRequest, "Error: "+apiErr.Message)
	default:
		s.logger.Error("unhandled error", "path", r.URL.Path, "error", err)
		writeText(w, http.StatusInternalServerError, "Error: internal error")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		level := slog.LevelInfo
		if wrapped.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "auth", s.config.AuthToken != "")
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting server", "address", l.Addr().String(), "auth", s.config.AuthToken != "")
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
