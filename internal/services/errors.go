package services

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy of the pipeline
var (
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrCircuitOpen            = errors.New("service temporarily unavailable")
	ErrGenerationTimeout      = errors.New("generation timed out")
	ErrUpstreamOverload       = errors.New("upstream generator overloaded")
	ErrGeneration             = errors.New("generation failed")
	ErrCacheUnavailable       = errors.New("response cache unavailable")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrInternal               = errors.New("internal error")
)

// RefusalKind identifies why admission was refused
type RefusalKind string

const (
	RefusalRateLimited RefusalKind = "rate_limited"
	RefusalCircuitOpen RefusalKind = "circuit_open"
)

// RefusalError is a structured, retryable refusal surfaced before generation starts
type RefusalError struct {
	Kind       RefusalKind   `json:"error_code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
	Limit      int           `json:"limit,omitempty"`
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("%s (retry after %ds)", e.Message, int(e.RetryAfter.Seconds()))
}

// Unwrap lets errors.Is match ErrRateLimited / ErrCircuitOpen
func (e *RefusalError) Unwrap() error {
	if e.Kind == RefusalCircuitOpen {
		return ErrCircuitOpen
	}
	return ErrRateLimited
}
