package models

import "time"

// AdmitResult is the gate decision the transport layer consults before Process
type AdmitResult struct {
	Allowed       bool          `json:"allowed"`
	RetryAfter    time.Duration `json:"-"`
	Limit         int           `json:"limit"`
	CircuitActive bool          `json:"circuit_active"`
	CircuitTTL    time.Duration `json:"-"`
}

// RetryAfterSeconds returns the Retry-After value the caller should advertise,
// rounded up to whole seconds and never below 1.
// An active circuit takes priority over the per-user window.
func (a AdmitResult) RetryAfterSeconds() int {
	wait := a.RetryAfter
	if a.CircuitActive {
		wait = a.CircuitTTL
	}
	seconds := int((wait + time.Second - 1) / time.Second)
	return max(seconds, 1)
}

// RateLimitStatus reports the caller's position in the current window
type RateLimitStatus struct {
	CurrentLimit      int   `json:"current_limit"`
	RequestsRemaining int   `json:"requests_remaining"`
	ResetTime         int64 `json:"reset_time"`
}
