// Package api exposes limiter operations over HTTP: admission checks,
// penalties and rewards, administrative blocks, state reports and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/metrics"
	"github.com/yourusername/floodgate/middleware"
)

// Handler serves the limiter API for one policy.
type Handler struct {
	limiter middleware.Limiter
	stats   *metrics.Collector
	log     core.Logger
}

// NewHandler creates an API handler over the given limiter. The collector
// and logger may be nil.
func NewHandler(limiter middleware.Limiter, stats *metrics.Collector, log core.Logger) *Handler {
	if log == nil {
		log = core.NopLogger
	}
	return &Handler{limiter: limiter, stats: stats, log: log}
}

// Register mounts every endpoint on mux under /api/v1.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/limiter/check", h.Check)
	mux.HandleFunc("POST /api/v1/limiter/penalty", h.Penalty)
	mux.HandleFunc("POST /api/v1/limiter/reward", h.Reward)
	mux.HandleFunc("POST /api/v1/limiter/block", h.Block)
	mux.HandleFunc("POST /api/v1/limiter/unblock", h.Unblock)
	mux.HandleFunc("GET /api/v1/limiter/state", h.State)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if h.stats != nil {
		mux.Handle("GET /api/v1/metrics", NewMetricsHandler(h.stats))
	}
}

// CheckRequest asks for an admission decision.
type CheckRequest struct {
	ClientID string   `json:"client_id"`
	Cost     *float64 `json:"cost,omitempty"` // default 1
}

// CheckResponse reports the decision.
type CheckResponse struct {
	Allowed      bool    `json:"allowed"`
	Remaining    float64 `json:"remaining"`
	Limit        float64 `json:"limit"`
	Reason       string  `json:"reason,omitempty"`
	RetryAfterMs int64   `json:"retry_after_ms,omitempty"`
	Source       string  `json:"source,omitempty"`
	FailedOpen   bool    `json:"failed_open,omitempty"`
}

// Check handles POST /api/v1/limiter/check. Denied requests answer 429 so
// callers can forward the status directly.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !h.decode(w, r, &req) || !h.requireClient(w, req.ClientID) {
		return
	}
	cost := 1.0
	if req.Cost != nil {
		cost = *req.Cost
	}

	res, err := h.limiter.AllowN(r.Context(), req.ClientID, cost)
	if err != nil {
		h.operationError(w, "check", err)
		return
	}
	if h.stats != nil {
		h.stats.RecordRequest(req.ClientID, res)
	}

	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	h.send(w, status, CheckResponse{
		Allowed:      res.Allowed,
		Remaining:    res.Tokens,
		Limit:        h.limiter.Config().Capacity,
		Reason:       res.Reason,
		RetryAfterMs: res.RetryAfter.Milliseconds(),
		Source:       string(res.Source),
		FailedOpen:   res.FailedOpen,
	})
}

// PointsRequest adjusts a client's balance.
type PointsRequest struct {
	ClientID string  `json:"client_id"`
	Points   float64 `json:"points"`
}

// PointsResponse reports the balance after the adjustment.
type PointsResponse struct {
	Remaining float64 `json:"remaining"`
	Limit     float64 `json:"limit"`
}

// Penalty handles POST /api/v1/limiter/penalty.
func (h *Handler) Penalty(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.limiter.Penalty, "penalty")
}

// Reward handles POST /api/v1/limiter/reward.
func (h *Handler) Reward(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.limiter.Reward, "reward")
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, op func(context.Context, string, float64) (float64, error), name string) {
	var req PointsRequest
	if !h.decode(w, r, &req) || !h.requireClient(w, req.ClientID) {
		return
	}

	remaining, err := op(r.Context(), req.ClientID, req.Points)
	if err != nil {
		h.operationError(w, name, err)
		return
	}
	h.send(w, http.StatusOK, PointsResponse{
		Remaining: remaining,
		Limit:     h.limiter.Config().Capacity,
	})
}

// BlockRequest blocks a client outright.
type BlockRequest struct {
	ClientID   string `json:"client_id"`
	DurationMs int64  `json:"duration_ms"`
}

// BlockResponse confirms a block.
type BlockResponse struct {
	Blocked    bool  `json:"blocked"`
	DurationMs int64 `json:"duration_ms"`
}

// Block handles POST /api/v1/limiter/block.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if !h.decode(w, r, &req) || !h.requireClient(w, req.ClientID) {
		return
	}

	d := time.Duration(req.DurationMs) * time.Millisecond
	if err := h.limiter.Block(r.Context(), req.ClientID, d); err != nil {
		h.operationError(w, "block", err)
		return
	}
	h.send(w, http.StatusOK, BlockResponse{Blocked: true, DurationMs: req.DurationMs})
}

// UnblockRequest lifts a client's block.
type UnblockRequest struct {
	ClientID string `json:"client_id"`
}

// UnblockResponse reports whether a block was lifted.
type UnblockResponse struct {
	WasBlocked bool `json:"was_blocked"`
}

// Unblock handles POST /api/v1/limiter/unblock.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	var req UnblockRequest
	if !h.decode(w, r, &req) || !h.requireClient(w, req.ClientID) {
		return
	}

	removed, err := h.limiter.Unblock(r.Context(), req.ClientID)
	if err != nil {
		h.operationError(w, "unblock", err)
		return
	}
	h.send(w, http.StatusOK, UnblockResponse{WasBlocked: removed})
}

// StateResponse reports a client's bucket state.
type StateResponse struct {
	ClientID           string  `json:"client_id"`
	Capacity           float64 `json:"capacity"`
	RefillRate         float64 `json:"refill_rate"`
	Tokens             float64 `json:"tokens"`
	AvailableTokens    int64   `json:"available_tokens"`
	UtilizationPercent float64 `json:"utilization_percent"`
	TimeToFullMs       int64   `json:"time_to_full_ms"`
	Blocked            bool    `json:"blocked"`
	BlockRemainingMs   int64   `json:"block_remaining_ms,omitempty"`
}

// State handles GET /api/v1/limiter/state?client_id=...
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if !h.requireClient(w, clientID) {
		return
	}

	ds, err := h.limiter.State(r.Context(), clientID)
	if err != nil {
		h.operationError(w, "state", err)
		return
	}
	h.send(w, http.StatusOK, StateResponse{
		ClientID:           clientID,
		Capacity:           ds.Capacity,
		RefillRate:         ds.RefillRate,
		Tokens:             ds.Tokens,
		AvailableTokens:    ds.AvailableTokens,
		UtilizationPercent: ds.UtilizationPercent,
		TimeToFullMs:       ds.TimeToFull.Milliseconds(),
		Blocked:            ds.Blocked,
		BlockRemainingMs:   ds.BlockRemaining.Milliseconds(),
	})
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.send(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) requireClient(w http.ResponseWriter, clientID string) bool {
	if clientID == "" {
		h.sendError(w, http.StatusBadRequest, "missing_client_id", "client_id is required")
		return false
	}
	return true
}

func (h *Handler) operationError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, core.ErrValidation) {
		h.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.log.Errorf("%s failed: %v", op, err)
	h.sendError(w, http.StatusServiceUnavailable, "store_unavailable", "the backing store is unreachable")
}

func (h *Handler) send(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the error payload for every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) sendError(w http.ResponseWriter, status int, code, message string) {
	h.send(w, status, ErrorResponse{Error: code, Message: message})
}
