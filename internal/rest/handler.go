// Package rest provides HTTP/JSON endpoints for paygate.
//
// This package wraps the gRPC metering service so clients that don't speak
// gRPC get the same operations, validation and error codes.
//
// Endpoints:
//
//	GET    /health                          - Liveness
//	GET    /ready                           - Store connectivity
//	GET    /metrics                         - Prometheus metrics
//	POST   /v1/estimate                     - Estimate a model call
//	POST   /v1/reservations                 - Reserve funds
//	POST   /v1/reservations/release         - Release a reservation
//	POST   /v1/settlements                  - Settle a reservation
//	POST   /v1/credits                      - Grant credit
//	GET    /v1/wallets/{userID}             - Wallet balance
//	GET    /v1/wallets/{userID}/entries     - Ledger entries
//	GET    /v1/chunks/{chunkID}/multiplier  - Ranking multiplier
//	POST   /v1/feedback                     - Submit a rating
//	DELETE /v1/feedback/{ratingID}          - Delete a rating
//	POST   /v1/signals/recompute            - Recompute chunk signals
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kelpejol/paygate/internal/api"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Options configures a Handler.
type Options struct {
	// Ready reports whether the backing stores are reachable.
	Ready func(ctx context.Context) error
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// CORS adds permissive CORS headers, for development.
	CORS bool
}

// Handler provides REST API endpoints.
type Handler struct {
	svc  api.MeteringServer
	opts Options
	log  zerolog.Logger
}

// NewHandler creates a REST handler over svc.
func NewHandler(svc api.MeteringServer, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:  svc,
		opts: opts,
		log:  logger.With().Str("component", "rest_handler").Logger(),
	}
}

// Routes returns the router with every endpoint mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(h.log))
	r.Use(middleware.Recoverer)
	if h.opts.CORS {
		r.Use(CORS)
	}

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	gatherer := h.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/estimate", h.handleEstimate)
		r.Post("/reservations", h.handleReserve)
		r.Post("/reservations/release", h.handleRelease)
		r.Post("/settlements", h.handleSettle)
		r.Post("/credits", h.handleGrant)
		r.Get("/wallets/{userID}", h.handleWallet)
		r.Get("/wallets/{userID}/entries", h.handleEntries)
		r.Get("/chunks/{chunkID}/multiplier", h.handleMultiplier)
		r.Post("/feedback", h.handleSubmitRating)
		r.Delete("/feedback/{ratingID}", h.handleDeleteRating)
		r.Post("/signals/recompute", h.handleRecompute)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Ready(ctx); err != nil {
			h.log.Warn().Err(err).Msg("readiness check failed")
			h.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req api.EstimateCostRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.EstimateCost(r.Context(), &req)
	h.respond(w, resp, err)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req api.ReserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Reserve(r.Context(), &req)
	if err == nil && !resp.Approved {
		h.writeJSON(w, http.StatusPaymentRequired, resp)
		return
	}
	h.respond(w, resp, err)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req api.ReleaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Release(r.Context(), &req)
	h.respond(w, resp, err)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req api.SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Settle(r.Context(), &req)
	h.respond(w, resp, err)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req api.GrantCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.GrantCredit(r.Context(), &req)
	h.respond(w, resp, err)
}

func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.GetBalance(r.Context(), &api.GetBalanceRequest{UserID: chi.URLParam(r, "userID")})
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp.Wallet)
}

// handleEntries handles GET /v1/wallets/{userID}/entries?type=&request_id=&limit=
func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := api.ListEntriesRequest{
		UserID:    chi.URLParam(r, "userID"),
		RequestID: q.Get("request_id"),
		Type:      q.Get("type"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		req.Limit = n
	}
	resp, err := h.svc.ListEntries(r.Context(), &req)
	h.respond(w, resp, err)
}

func (h *Handler) handleMultiplier(w http.ResponseWriter, r *http.Request) {
	chunkID := chi.URLParam(r, "chunkID")
	resp, err := h.svc.GetMultiplier(r.Context(), &api.GetMultiplierRequest{ChunkIDs: []string{chunkID}})
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"chunk_id":   chunkID,
		"multiplier": resp.Multipliers[chunkID],
	})
}

func (h *Handler) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRatingRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.SubmitRating(r.Context(), &req)
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleDeleteRating(w http.ResponseWriter, r *http.Request) {
	_, err := h.svc.DeleteRating(r.Context(), &api.DeleteRatingRequest{
		RatingID: chi.URLParam(r, "ratingID"),
		ActorID:  r.Header.Get("X-Actor-ID"),
	})
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req api.RecomputeSignalsRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.RecomputeSignals(r.Context(), &req)
	h.respond(w, resp, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleGRPCError converts gRPC status errors to HTTP errors.
func (h *Handler) handleGRPCError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	statusCode := httpStatus(st.Code())

	if statusCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	} else {
		h.log.Debug().Err(err).Int("status", statusCode).Msg("REST API error")
	}
	h.writeError(w, statusCode, st.Message())
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}
