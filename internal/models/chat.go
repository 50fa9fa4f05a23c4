package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state a pipeline request ended in
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeDegraded Outcome = "degraded"
	OutcomeError    Outcome = "error"
)

// DegradeReason explains why a request ended degraded
type DegradeReason string

const (
	DegradeNone           DegradeReason = ""
	DegradeCachedFallback DegradeReason = "cached_fallback"
	DegradeRateLimited    DegradeReason = "rate_limited"
	DegradeTimeout        DegradeReason = "timeout"
	DegradeOverload       DegradeReason = "overload"
	DegradeSalvaged       DegradeReason = "salvaged"
)

// Query is an accepted user request. Immutable once accepted.
type Query struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// Session is created once per request and mutated exactly once at completion
type Session struct {
	SessionID     string    `bson:"sessionId" json:"session_id"`
	UserID        string    `bson:"userId" json:"user_id"`
	StartTime     time.Time `bson:"startTime" json:"start_time"`
	TotalMessages int       `bson:"totalMessages" json:"total_messages"`
	Successful    bool      `bson:"successful" json:"successful"`
	UpdatedAt     time.Time `bson:"updatedAt" json:"updated_at"`
}

// NewSessionID returns a unique session id for a user
func NewSessionID(userID string, now time.Time) string {
	return fmt.Sprintf("session_%s_%d_%s", userID, now.UnixNano(), uuid.NewString()[:8])
}

// CacheEntry is the serialized value stored under a response cache key
type CacheEntry struct {
	UserID            string    `json:"user_id"`
	Query             string    `json:"query"`
	Response          string    `json:"response"`
	CreatedAt         time.Time `json:"timestamp"`
	TTLSeconds        int64     `json:"ttl"`
	RateLimitFallback bool      `json:"cached_for_rate_limit"`
	ResponseTime      *float64  `json:"response_time,omitempty"`
}

// RateWindow is a user's request count in the current fixed window
type RateWindow struct {
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// CircuitState is the process-wide upstream exhaustion flag
type CircuitState struct {
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ChatLog is a persisted interaction
type ChatLog struct {
	UserID       string    `bson:"userId" json:"user_id"`
	SessionID    string    `bson:"sessionId,omitempty" json:"session_id,omitempty"`
	Query        string    `bson:"query" json:"query"`
	Response     string    `bson:"response" json:"response"`
	ResponseTime float64   `bson:"responseTime" json:"response_time"`
	Timestamp    time.Time `bson:"timestamp" json:"timestamp"`
}

// QualityMetrics is the quality record linked to a chat log row
type QualityMetrics struct {
	HelpfulnessScore      float64 `bson:"helpfulnessScore" json:"helpfulness_score"`
	HallucinationRisk     float64 `bson:"hallucinationRisk" json:"hallucination_risk"`
	FactualGroundingScore float64 `bson:"factualGroundingScore" json:"factual_grounding_score"`
	SentimentScore        float64 `bson:"sentimentScore" json:"sentiment_score"`
	Source                string  `bson:"source" json:"source"` // "generator" or "sentiment"
}

// Sentiment is the fallback metric produced by the sentiment analyzer
type Sentiment struct {
	SentimentScore float64            `json:"sentiment_score"`
	EmotionLabels  []string           `json:"emotion_labels"`
	Aspects        map[string]float64 `json:"aspects"`
}

// GenerationMetrics are the metrics the generator may attach to its terminal metadata
type GenerationMetrics struct {
	Quality          *QualityMetrics `json:"quality,omitempty"`
	RateLimitedMode  bool            `json:"rate_limited_mode"`
	PromptTokens     int             `json:"prompt_tokens,omitempty"`
	CompletionTokens int             `json:"completion_tokens,omitempty"`
}

// GenerationMetadata is the single out-of-band record a generator may emit after its text
type GenerationMetadata struct {
	Metrics         GenerationMetrics `json:"metrics"`
	RateLimitedMode bool              `json:"rate_limited_mode"`
	Timestamp       time.Time         `json:"timestamp"`
}

// ResponseMetadata is produced at most once per completed request
type ResponseMetadata struct {
	ResponseTime float64         `json:"response_time"`
	Quality      *QualityMetrics `json:"quality,omitempty"`
	Sentiment    *Sentiment      `json:"sentiment,omitempty"`
}

// ChatResponse is what the pipeline returns to its caller
type ChatResponse struct {
	Response     string            `json:"response"`
	Timestamp    time.Time         `json:"timestamp"`
	UserID       string            `json:"user_id"`
	ResponseTime *float64          `json:"response_time,omitempty"`
	Outcome      Outcome           `json:"outcome"`
	Reason       DegradeReason     `json:"reason,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Metadata     *ResponseMetadata `json:"metadata,omitempty"`
}

// ErrorMetadata is logged on the error path
type ErrorMetadata struct {
	ResponseTime float64 `json:"response_time"`
	ErrorType    string  `json:"error_type"`
	Occurred     bool    `json:"error_occurred"`
}
