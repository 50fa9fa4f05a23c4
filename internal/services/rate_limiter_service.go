package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"chatcore/internal/models"
)

// CircuitBreakerKey holds the process-wide upstream exhaustion flag
const CircuitBreakerKey = "global:api_circuit_breaker"

const (
	minRetryAfter = 1 * time.Second
	maxRetryAfter = 60 * time.Second
)

// UserLimitSource resolves the per-window request limit of a user
type UserLimitSource interface {
	GetUserLimit(ctx context.Context, userID string) int
}

// RateLimiterService enforces per-user fixed windows and owns the global circuit flag.
// All state lives in the shared KV store so every instance sees the same counters.
type RateLimiterService struct {
	store      KVStore
	limits     UserLimitSource
	window     time.Duration
	circuitTTL time.Duration
	metrics    *Metrics
	now        func() time.Time
}

// NewRateLimiterService creates a rate limiter over store
func NewRateLimiterService(store KVStore, limits UserLimitSource, window, circuitTTL time.Duration, metrics *Metrics) *RateLimiterService {
	if window <= 0 {
		window = time.Minute
	}
	if circuitTTL <= 0 {
		circuitTTL = 30 * time.Second
	}
	return &RateLimiterService{
		store:      store,
		limits:     limits,
		window:     window,
		circuitTTL: circuitTTL,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (s *RateLimiterService) windowIndex() int64 {
	return s.now().UnixNano() / int64(s.window)
}

func (s *RateLimiterService) windowKey(userID string, idx int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", userID, idx)
}

// GetUserLimit returns the requests allowed per window for a user
func (s *RateLimiterService) GetUserLimit(ctx context.Context, userID string) int {
	if s.limits == nil {
		return models.GetTierLimits(models.TierFree).RequestsPerWindow
	}
	return s.limits.GetUserLimit(ctx, userID)
}

// CheckRateLimit counts a request against the user's current window and reports
// whether it fits under the limit. The increment and the comparison are a single
// atomic store operation, so concurrent callers can never both take the last slot.
func (s *RateLimiterService) CheckRateLimit(ctx context.Context, userID string) (bool, error) {
	limit := s.GetUserLimit(ctx, userID)
	if limit < 0 {
		return true, nil
	}

	count, err := s.store.IncrWindow(ctx, s.windowKey(userID, s.windowIndex()), s.window)
	if err != nil {
		// Fail open
		log.Printf("⚠️  [RATE-LIMIT] Failed to increment window for user %s: %v", userID, err)
		return true, err
	}

	return count <= int64(limit), nil
}

// GetWindowRemaining returns the time until the current aligned window rolls over.
// Windows are shared boundaries, so the counter's own TTL is not consulted.
func (s *RateLimiterService) GetWindowRemaining(_ context.Context, _ string) time.Duration {
	now := s.now().UnixNano()
	reset := (now/int64(s.window) + 1) * int64(s.window)
	return time.Duration(reset - now)
}

// RecordUpstreamExhaustion opens the global circuit for the configured TTL.
// The flag is never cleared early; it only expires.
func (s *RateLimiterService) RecordUpstreamExhaustion(ctx context.Context) error {
	value := strconv.FormatInt(s.now().Unix(), 10)
	if err := s.store.SetEx(ctx, CircuitBreakerKey, value, s.circuitTTL); err != nil {
		log.Printf("❌ [RATE-LIMIT] Failed to record upstream exhaustion: %v", err)
		return err
	}
	s.metrics.RecordCircuitTrip()
	log.Printf("🚨 [RATE-LIMIT] Upstream exhaustion detected, circuit open for %v", s.circuitTTL)
	return nil
}

// IsCircuitActive reports whether the global circuit is open and for how long
func (s *RateLimiterService) IsCircuitActive(ctx context.Context) (bool, time.Duration) {
	ttl, ok, err := s.store.TTL(ctx, CircuitBreakerKey)
	if err != nil {
		log.Printf("⚠️  [RATE-LIMIT] Failed to read circuit state: %v", err)
		return false, 0
	}
	if !ok || ttl <= 0 {
		return false, 0
	}
	return true, ttl
}

// Admit is the gate the transport layer calls before processing a request
func (s *RateLimiterService) Admit(ctx context.Context, userID string) models.AdmitResult {
	limit := s.GetUserLimit(ctx, userID)

	allowed, _ := s.CheckRateLimit(ctx, userID)
	if allowed {
		return models.AdmitResult{Allowed: true, Limit: limit}
	}

	result := models.AdmitResult{
		Allowed:    false,
		Limit:      limit,
		RetryAfter: clampRetryAfter(s.GetWindowRemaining(ctx, userID)),
	}

	// An open circuit takes priority over the per-user window
	if active, ttl := s.IsCircuitActive(ctx); active {
		result.CircuitActive = true
		result.CircuitTTL = ttl
		s.metrics.RecordRefusal(RefusalCircuitOpen)
		log.Printf("🚫 [RATE-LIMIT] User %s refused, circuit open (%v remaining)", userID, ttl)
		return result
	}

	s.metrics.RecordRefusal(RefusalRateLimited)
	log.Printf("🚫 [RATE-LIMIT] User %s exceeded %d requests per %v", userID, limit, s.window)
	return result
}

// Status reports the caller's position in the current window without counting a request
func (s *RateLimiterService) Status(ctx context.Context, userID string) models.RateLimitStatus {
	limit := s.GetUserLimit(ctx, userID)
	idx := s.windowIndex()

	var used int64
	raw, found, err := s.store.Get(ctx, s.windowKey(userID, idx))
	if err != nil {
		log.Printf("⚠️  [RATE-LIMIT] Failed to read window for user %s: %v", userID, err)
	} else if found {
		used, _ = strconv.ParseInt(raw, 10, 64)
	}

	// -1 means unlimited
	remaining := int64(-1)
	if limit >= 0 {
		remaining = max(int64(limit)-used, 0)
	}

	return models.RateLimitStatus{
		CurrentLimit:      limit,
		RequestsRemaining: int(remaining),
		ResetTime:         (idx + 1) * int64(s.window) / int64(time.Second),
	}
}

// RefusalFromAdmit converts a negative gate decision into a structured refusal
func RefusalFromAdmit(res models.AdmitResult) *RefusalError {
	if res.Allowed {
		return nil
	}
	if res.CircuitActive {
		return &RefusalError{
			Kind:       RefusalCircuitOpen,
			Message:    "Service temporarily unavailable due to high demand",
			RetryAfter: res.CircuitTTL,
			Limit:      res.Limit,
		}
	}
	return &RefusalError{
		Kind:       RefusalRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded. Maximum %d requests per window", res.Limit),
		RetryAfter: res.RetryAfter,
		Limit:      res.Limit,
	}
}

func clampRetryAfter(d time.Duration) time.Duration {
	if d < minRetryAfter {
		return minRetryAfter
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
