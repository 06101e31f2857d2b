// Package rest exposes the matching service's seven operations as an
// HTTP/JSON gateway, for clients that don't want to speak gRPC.
//
// Endpoints:
//
//	POST /v1/bids                          - SubmitBid
//	POST /v1/bids/stream                   - SubmitBidStream (line-delimited JSON response)
//	POST /v1/providers                     - UpdateProviderStatus
//	GET  /v1/orderbook?model=              - GetOrderBookStatus
//	GET  /v1/providers/:provider_id/circuit     - GetCircuitStatus
//	GET  /v1/providers/:provider_id/ratelimit   - GetRateLimitStatus
//	GET  /v1/providers/:provider_id/latency     - GetLatencyMetrics
//	GET  /health                           - health check
//	GET  /ready                            - readiness check
//	GET  /metrics                          - Prometheus metrics
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/inferexchange/matchcore/internal/service"
	"github.com/inferexchange/matchcore/internal/stream"
)

// Handler provides the REST API endpoints over a *service.Service.
type Handler struct {
	svc *service.Service
	log zerolog.Logger
}

// NewHandler creates a REST API handler.
func NewHandler(svc *service.Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: logger.With().Str("component", "rest_handler").Logger()}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/bids", h.handleSubmitBid)
	mux.HandleFunc("/v1/bids/stream", h.handleSubmitBidStream)
	mux.HandleFunc("/v1/providers", h.handleUpdateProviderStatus)
	mux.HandleFunc("/v1/orderbook", h.handleOrderBookStatus)
	mux.HandleFunc("/v1/providers/", h.handleProviderStatus)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

func (h *Handler) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req service.SubmitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp, err := h.svc.SubmitBid(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmitBidStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req service.SubmitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)

	err := h.svc.SubmitBidStream(r.Context(), req, func(ev stream.Event) error {
		if err := encoder.Encode(ev); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.log.Error().Err(err).Msg("stream forwarding failed mid-stream")
	}
}

func (h *Handler) handleUpdateProviderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req service.UpdateProviderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp, err := h.svc.UpdateProviderStatus(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleOrderBookStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	model := r.URL.Query().Get("model")
	status, err := h.svc.GetOrderBookStatus(r.Context(), model)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// handleProviderStatus dispatches GET /v1/providers/:provider_id/{circuit,ratelimit,latency}.
func (h *Handler) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/providers/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		h.writeError(w, http.StatusBadRequest, "expected /v1/providers/:provider_id/{circuit,ratelimit,latency}")
		return
	}
	providerID, resource := parts[0], parts[1]

	switch resource {
	case "circuit":
		h.writeJSON(w, http.StatusOK, h.svc.GetCircuitStatus(providerID))
	case "ratelimit":
		h.writeJSON(w, http.StatusOK, h.svc.GetRateLimitStatus(providerID))
	case "latency":
		h.writeJSON(w, http.StatusOK, h.svc.GetLatencyMetrics(providerID))
	default:
		h.writeError(w, http.StatusNotFound, "unknown provider resource: "+resource)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleServiceError converts a *service.Error to an HTTP status code.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError

	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		switch svcErr.Kind {
		case service.KindInvalidArgument:
			statusCode = http.StatusBadRequest
		case service.KindFailedPrecondition:
			statusCode = http.StatusPreconditionFailed
		case service.KindNoMatch:
			statusCode = http.StatusNotFound
		case service.KindUpstreamError, service.KindBackendUnavailable:
			statusCode = http.StatusServiceUnavailable
		case service.KindInternal:
			statusCode = http.StatusInternalServerError
		}
	}

	h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	h.writeError(w, statusCode, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// CORS allows cross-origin requests during local development.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs every HTTP request with its outcome status.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
