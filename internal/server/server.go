// Package server exposes the broker over HTTP. It owns the mapping from the
// backend error taxonomy to HTTP status codes; handlers hold no secret state
// and delegate every decision to the broker.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/systmms/secretbroker/internal/broker"
	"github.com/systmms/secretbroker/internal/logging"
	"github.com/systmms/secretbroker/internal/metrics"
	"github.com/systmms/secretbroker/pkg/backend"
)

// CallerHeader carries the opaque caller identity on every request. The
// server never interprets it beyond passing it to the policy gate.
const CallerHeader = "X-Broker-Caller"

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8200".
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8200",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server serves the secret API, /healthz, and /metrics.
type Server struct {
	config Config
	broker *broker.Broker
	logger *logging.Logger
	server *http.Server
}

// New creates a Server around a broker.
func New(config Config, b *broker.Broker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New(false, false)
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	return &Server{
		config: config,
		broker: b,
		logger: logger,
	}
}

// Handler returns the route table. Exposed so tests can drive the server
// without a listener.
func (s *Server) Handler() http.Handler {
	metrics.Init()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/secret/{path...}", s.handleGet)
	mux.HandleFunc("PUT /v1/secret/{path...}", s.handlePut)
	mux.HandleFunc("POST /v1/secret/{path...}", s.handlePost)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.Addr
}

// putRequest is the PUT body: the fields to write as the next version.
type putRequest struct {
	Fields map[string]string `json:"fields"`
}

// putResponse reports the version the write produced.
type putResponse struct {
	Version int64 `json:"version"`
}

// errorResponse is the body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	caller, path, ok := s.identify(w, r)
	if !ok {
		return
	}

	value, err := s.broker.GetFrom(r.Context(), caller, r.URL.Query().Get("backend"), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	caller, path, ok := s.identify(w, r)
	if !ok {
		return
	}
	s.handleWrite(w, r, caller, path)
}

// handlePost routes POST /v1/secret/{path}/rotate to rotation and every
// other POST under /v1/secret to the write handler, so POST and PUT are
// interchangeable for writes.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	full := r.PathValue("path")
	if path, found := strings.CutSuffix(full, "/rotate"); found && path != "" {
		s.handleRotate(w, r, path)
		return
	}

	caller, path, ok := s.identify(w, r)
	if !ok {
		return
	}
	s.handleWrite(w, r, caller, path)
}

// handleWrite stores the next version of a secret. Backends with monotonic
// versions report 1 on a first write, which maps to 201 Created; backends
// with opaque version identifiers always map to 200.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, caller, path string) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("invalid request body: %v", err),
			Kind:  "bad_request",
		})
		return
	}
	if len(req.Fields) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "request body must carry at least one field",
			Kind:  "bad_request",
		})
		return
	}

	version, err := s.broker.PutTo(r.Context(), caller, r.URL.Query().Get("backend"), path, req.Fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if version == 1 {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, putResponse{Version: version})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request, path string) {
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		s.missingCaller(w)
		return
	}

	value, err := s.broker.RotateOn(r.Context(), caller, r.URL.Query().Get("backend"), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// identify extracts the caller identity and secret path from the request,
// writing the error response itself when either is unusable.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (caller, path string, ok bool) {
	caller = r.Header.Get(CallerHeader)
	if caller == "" {
		s.missingCaller(w)
		return "", "", false
	}

	path = r.PathValue("path")
	if path == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "secret path must not be empty",
			Kind:  "bad_request",
		})
		return "", "", false
	}
	return caller, path, true
}

func (s *Server) missingCaller(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: fmt.Sprintf("missing %s header", CallerHeader),
		Kind:  "bad_request",
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := backend.KindOf(err)
	status := statusFromKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
	}
	s.writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Kind:  kind.String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write response: %v", err)
	}
}

// statusFromKind is the single place the error taxonomy meets HTTP.
func statusFromKind(kind backend.Kind) int {
	switch kind {
	case backend.KindNotFound:
		return http.StatusNotFound
	case backend.KindUnauthorized:
		return http.StatusForbidden
	case backend.KindConflict:
		return http.StatusConflict
	case backend.KindRateLimited:
		return http.StatusTooManyRequests
	case backend.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
