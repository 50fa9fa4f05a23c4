package services

import (
	"context"
	"time"

	"chatcore/internal/models"
)

// Generator produces a streamed response for a query
type Generator interface {
	Generate(ctx context.Context, query string) (ResponseStream, error)
}

// ResponseStream is a finite, non-restartable sequence of text chunks optionally
// followed by one metadata chunk. Recv returns io.EOF once the stream is exhausted.
type ResponseStream interface {
	Recv(ctx context.Context) (models.StreamElement, error)
	Close() error
}

// RateLimitAware is implemented by generators that know they are currently throttled
type RateLimitAware interface {
	RateLimited() bool
}

// SentimentAnalyzer scores a response when the generator supplied no quality metrics
type SentimentAnalyzer interface {
	AnalyzeSentiment(ctx context.Context, text string) (*models.Sentiment, error)
}

// ChatStore persists sessions, chat logs and quality metrics
type ChatStore interface {
	CreateSession(ctx context.Context, userID string) (*models.Session, error)
	UpdateSessionStats(ctx context.Context, sessionID string, successful bool) error
	// SaveChatLog returns the id of the stored row so metrics can be linked to it directly
	SaveChatLog(ctx context.Context, rec models.ChatLog) (string, error)
	// RecordQualityMetrics links metrics to the log row logID; an unknown id is an error
	RecordQualityMetrics(ctx context.Context, logID string, q models.QualityMetrics) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}
