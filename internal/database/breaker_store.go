package database

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatcore/internal/models"
)

// ChatStore is the persistence surface guarded by BreakerStore
type ChatStore interface {
	CreateSession(ctx context.Context, userID string) (*models.Session, error)
	UpdateSessionStats(ctx context.Context, sessionID string, successful bool) error
	SaveChatLog(ctx context.Context, rec models.ChatLog) (string, error)
	RecordQualityMetrics(ctx context.Context, logID string, q models.QualityMetrics) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// BreakerSettings tunes the persistence circuit breaker
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
}

// DefaultBreakerSettings returns 5 consecutive failures and a 30s open period
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// BreakerStore fast-fails persistence calls while the underlying store is down.
// Ping bypasses the breaker so health checks always see the real state.
type BreakerStore struct {
	inner ChatStore
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps a chat store with a circuit breaker
func NewBreakerStore(name string, inner ChatStore, settings BreakerSettings) *BreakerStore {
	if settings.ConsecutiveFailures == 0 {
		settings = DefaultBreakerSettings()
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		// A missing metrics row is a data condition, not a store outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoChatLog)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("⚡ [STORE] Breaker %s: %s -> %s", name, from, to)
		},
	})

	return &BreakerStore{inner: inner, cb: cb}
}

// State reports the breaker state
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.CreateSession(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Session), nil
}

func (b *BreakerStore) UpdateSessionStats(ctx context.Context, sessionID string, successful bool) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.UpdateSessionStats(ctx, sessionID, successful)
	})
	return err
}

func (b *BreakerStore) SaveChatLog(ctx context.Context, rec models.ChatLog) (string, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.SaveChatLog(ctx, rec)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *BreakerStore) RecordQualityMetrics(ctx context.Context, logID string, q models.QualityMetrics) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.RecordQualityMetrics(ctx, logID, q)
	})
	return err
}

func (b *BreakerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.DeleteOlderThan(ctx, cutoff)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}
