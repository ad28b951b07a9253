// Package middleware applies redisrate limits to HTTP handlers.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/signalfence/redisrate/core"
)

// Checker makes the limit decision. *redisrate.Limiter implements it.
type Checker interface {
	Allow(ctx context.Context, key string, limit core.Limit) (core.Decision, error)
}

// Policy is the limit applied to a request. Name scopes the limit key so
// that different policies never share GCRA state.
type Policy struct {
	Name  string
	Limit core.Limit
}

// PolicyFunc selects the policy for r. Returning false skips limiting.
type PolicyFunc func(r *http.Request) (Policy, bool)

// StaticPolicy applies limit to every request.
func StaticPolicy(name string, limit core.Limit) PolicyFunc {
	return func(*http.Request) (Policy, bool) {
		return Policy{Name: name, Limit: limit}, true
	}
}

// FailureMode decides what happens when the limiter cannot decide.
type FailureMode int

const (
	// FailClosed rejects the request with 503.
	FailClosed FailureMode = iota
	// FailOpen lets the request through unlimited.
	FailOpen
)

// ParseFailureMode accepts "open" or "closed".
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "closed", "":
		return FailClosed, nil
	case "open":
		return FailOpen, nil
	default:
		return FailClosed, fmt.Errorf("unknown failure mode %q (want open or closed)", s)
	}
}

func (m FailureMode) String() string {
	if m == FailOpen {
		return "open"
	}
	return "closed"
}

// Config for creating a RateLimiter
type Config struct {
	Limiter      Checker         // Required
	Policy       PolicyFunc      // Required
	KeyExtractor KeyExtractor    // Optional: defaults to ExtractIP()
	OnError      FailureMode     // Optional: defaults to FailClosed
	Logger       *zap.Logger     // Optional
	Clock        clockwork.Clock // Optional: used for X-RateLimit-Reset
}

// RateLimiter provides HTTP middleware for rate limiting
type RateLimiter struct {
	limiter Checker
	policy  PolicyFunc
	keyFunc KeyExtractor
	onError FailureMode
	logger  *zap.Logger
	clock   clockwork.Clock
}

// NewRateLimiter creates a new rate limiting middleware
func NewRateLimiter(config Config) (*RateLimiter, error) {
	if config.Limiter == nil {
		return nil, errors.New("middleware: limiter is required")
	}
	if config.Policy == nil {
		return nil, errors.New("middleware: policy is required")
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = ExtractIP()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &RateLimiter{
		limiter: config.Limiter,
		policy:  config.Policy,
		keyFunc: config.KeyExtractor,
		onError: config.OnError,
		logger:  config.Logger,
		clock:   config.Clock,
	}, nil
}

// Middleware wraps an http.Handler with rate limiting.
//
// Headers set on every limited route:
//   - X-RateLimit-Limit: burst size
//   - X-RateLimit-Remaining: requests still admissible now
//   - X-RateLimit-Reset: Unix time at which the key is back to full burst
//   - Retry-After: whole seconds to wait (only when rejected)
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy, ok := rl.policy(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		clientKey, err := rl.keyFunc(r)
		if err != nil {
			rl.logger.Debug("key extraction failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "key_extraction_failed", "Could not identify the client.")
			return
		}

		key := clientKey
		if policy.Name != "" {
			key = policy.Name + ":" + clientKey
		}

		decision, err := rl.limiter.Allow(r.Context(), key, policy.Limit)
		if err != nil {
			rl.logger.Warn("rate limit check failed",
				zap.String("key", key),
				zap.Stringer("on_error", rl.onError),
				zap.Error(err),
			)
			if rl.onError == FailOpen {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "rate_limit_unavailable", "Rate limiting is temporarily unavailable.")
			return
		}

		SetHeaders(w.Header(), decision, rl.clock)

		if decision.Limited {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":        "rate_limit_exceeded",
				"message":      "Too many requests. Please try again later.",
				"retryAfterMs": decision.RetryAfter.Milliseconds(),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetHeaders writes the X-RateLimit-* headers, and Retry-After when d is
// limited.
func SetHeaders(h http.Header, d core.Decision, clock clockwork.Clock) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit.Burst(), 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(clock.Now().Add(d.ResetAfter).Unix(), 10))
	if d.Limited {
		h.Set("Retry-After", strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
