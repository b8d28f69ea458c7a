package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec"
)

// MaxRequestBytes bounds the body of an evaluation request.
const MaxRequestBytes = 4 << 20

// Handler serves the evaluation API.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates the API handler of a service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, logger: service.logger}
}

// Register attaches handlers to the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /evaluate", h.handleEvaluate)
	mux.HandleFunc("GET /health", h.handleHealth)
}

// errorResponse is the body of request-level failures
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes data as JSON with proper headers.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, err := parseHTTPRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := h.service.Evaluate(r.Context(), req)

	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrEmptyCode):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		h.logger.Error("evaluation failed", zap.String("requestId", RequestID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func parseHTTPRequest(r *http.Request) (Request, error) {
	body := http.MaxBytesReader(nil, r.Body, MaxRequestBytes)
	defer body.Close()

	mediaType := "text/plain"
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}

		mediaType = parsed
	}

	switch mediaType {
	case "application/json":
		return ParseJSONRequest(body)
	case "text/plain":
		data, err := io.ReadAll(body)
		if err != nil {
			return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}

		return ParseRequest(string(data))
	default:
		return Request{}, fmt.Errorf("%w: unsupported content type %s", ErrInvalidRequest, mediaType)
	}
}

// Server is the HTTP server of a service.
type Server struct {
	config  cqlexec.ServerConfig
	handler http.Handler
	logger  *zap.Logger
}

// NewServer wires the API with its middleware.
func NewServer(config cqlexec.ServerConfig, service *Service) *Server {
	mux := http.NewServeMux()
	NewHandler(service).Register(mux)

	logger := service.logger

	var handler http.Handler = mux
	handler = corsMiddleware(config.AllowedOrigins, handler)
	handler = recoverMiddleware(logger, handler)
	handler = accessLogMiddleware(logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{config: config, handler: handler, logger: logger}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on l until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server starting", zap.String("addr", l.Addr().String()))
		errCh <- server.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("server shutting down")

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	return s.Serve(ctx, l)
}
