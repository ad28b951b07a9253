// Package api exposes a Limiter over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/signalfence/redisrate"
	"github.com/signalfence/redisrate/core"
)

// Limiter is the part of *redisrate.Limiter the handlers use.
type Limiter interface {
	AllowN(ctx context.Context, key string, limit core.Limit, n int64) (core.Decision, error)
	Reset(ctx context.Context, key string) error
}

// Handler serves rate limit checks and resets
type Handler struct {
	limiter      Limiter
	defaultLimit core.Limit
	clock        clockwork.Clock
	logger       *zap.Logger
}

// NewHandler creates a new API handler. defaultLimit applies to checks that
// do not carry their own policy.
func NewHandler(limiter Limiter, defaultLimit core.Limit, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		limiter:      limiter,
		defaultLimit: defaultLimit,
		clock:        clockwork.NewRealClock(),
		logger:       logger,
	}
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	Key    string `json:"key"`              // Required: limit key (user ID, API key, IP)
	Cost   int64  `json:"cost,omitempty"`   // Optional: defaults to 1
	Rate   int64  `json:"rate,omitempty"`   // Optional: override default policy
	Burst  int64  `json:"burst,omitempty"`  // Optional: defaults to rate
	Period string `json:"period,omitempty"` // Optional: Go duration, e.g. "1m"
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int64 `json:"remaining"`
	Limit        int64 `json:"limit"`                    // Burst size
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"` // Only when limited
	ResetAfterMs int64 `json:"reset_after_ms"`
	ResetAt      int64 `json:"reset_at"` // Unix time the key is back to full burst
}

// ResetRequest asks for a key's state to be cleared
type ResetRequest struct {
	Key string `json:"key"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Check handles POST /check
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Key == "" {
		sendError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}
	if req.Cost == 0 {
		req.Cost = 1
	}

	limit, err := h.limitFor(req)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	decision, err := h.limiter.AllowN(r.Context(), req.Key, limit, req.Cost)
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := CheckResponse{
		Allowed:      decision.Allowed(),
		Remaining:    decision.Remaining,
		Limit:        limit.Burst(),
		ResetAfterMs: decision.ResetAfter.Milliseconds(),
		ResetAt:      h.clock.Now().Add(decision.ResetAfter).Unix(),
	}
	status := http.StatusOK
	if decision.Limited {
		resp.RetryAfterMs = decision.RetryAfter.Milliseconds()
		status = http.StatusTooManyRequests
	}
	sendJSON(w, status, resp)
}

// Reset handles POST /reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Key == "" {
		sendError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}

	if err := h.limiter.Reset(r.Context(), req.Key); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("key reset", zap.String("key", req.Key))
	sendJSON(w, http.StatusOK, map[string]interface{}{"key": req.Key, "reset": true})
}

func (h *Handler) limitFor(req CheckRequest) (core.Limit, error) {
	if req.Rate == 0 && req.Burst == 0 && req.Period == "" {
		return h.defaultLimit, nil
	}

	period := h.defaultLimit.Period()
	if req.Period != "" {
		p, err := time.ParseDuration(req.Period)
		if err != nil {
			return core.Limit{}, err
		}
		period = p
	}
	rate := req.Rate
	if rate == 0 {
		rate = h.defaultLimit.Rate()
	}
	burst := req.Burst
	if burst == 0 {
		burst = rate
	}
	return core.NewLimit(rate, burst, period)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, redisrate.ErrBackendUnavailable):
		h.logger.Warn("backend unavailable", zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "backend_unavailable", "Rate limit store is unavailable")
	case errors.Is(err, redisrate.ErrInvalidKey),
		errors.Is(err, redisrate.ErrInvalidCost),
		errors.Is(err, redisrate.ErrInvalidLimit):
		sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.logger.Error("unexpected limiter error", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, ErrorResponse{Error: code, Message: message})
}
