package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/models"
)

// SimilarityThreshold is the minimum term overlap for a fuzzy cache match
const SimilarityThreshold = 0.6

// Cache TTL classes
const (
	DefaultCacheTTL  = time.Hour
	FallbackCacheTTL = 24 * time.Hour
)

var similarityStopWords = map[string]struct{}{
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "how": {},
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "are": {}, "with": {},
}

// ResponseCacheService stores generated responses keyed by (user, query) and
// answers fuzzy lookups used as a fallback while the generator is rate limited
type ResponseCacheService struct {
	store   KVStore
	metrics *Metrics
	now     func() time.Time
}

// NewResponseCacheService creates a response cache over store
func NewResponseCacheService(store KVStore, metrics *Metrics) *ResponseCacheService {
	return &ResponseCacheService{
		store:   store,
		metrics: metrics,
		now:     time.Now,
	}
}

// CacheKey returns the store key of a cached response
func CacheKey(userID, query string) string {
	return fmt.Sprintf("chat:%s:%s", userID, query)
}

// GetExact returns the entry cached for exactly this (user, query), or nil on a miss
func (s *ResponseCacheService) GetExact(ctx context.Context, userID, query string) (*models.CacheEntry, error) {
	raw, found, err := s.store.Get(ctx, CacheKey(userID, query))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !found {
		s.metrics.RecordCacheLookup("miss")
		return nil, nil
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("%w: corrupt entry: %v", ErrCacheUnavailable, err)
	}

	s.metrics.RecordCacheLookup("hit")
	return &entry, nil
}

// GetSimilar returns a cached response of the same user whose query shares enough
// significant terms with query. The best overlap wins; ties go to the newest entry.
func (s *ResponseCacheService) GetSimilar(ctx context.Context, userID, query string) (string, bool, error) {
	queryTerms := significantTerms(query)
	if len(queryTerms) == 0 {
		s.metrics.RecordCacheLookup("fallback_miss")
		return "", false, nil
	}

	prefix := CacheKey(userID, "")
	keys, err := s.store.Keys(ctx, escapeGlob(prefix)+"*")
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var (
		best      *models.CacheEntry
		bestScore float64
	)
	for _, key := range keys {
		cachedQuery, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}

		score := termOverlap(queryTerms, significantTerms(cachedQuery))
		if score < SimilarityThreshold {
			continue
		}

		raw, found, err := s.store.Get(ctx, key)
		if err != nil || !found {
			// Expired between scan and read, or transient failure: skip the candidate
			continue
		}
		var entry models.CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Printf("⚠️  [CACHE] Skipping unreadable entry %s: %v", key, err)
			continue
		}
		if entry.UserID != "" && entry.UserID != userID {
			continue
		}

		if best == nil || score > bestScore || (score == bestScore && entry.CreatedAt.After(best.CreatedAt)) {
			e := entry
			best, bestScore = &e, score
		}
	}

	if best == nil {
		s.metrics.RecordCacheLookup("fallback_miss")
		return "", false, nil
	}

	s.metrics.RecordCacheLookup("fallback_hit")
	return best.Response, true, nil
}

// Put writes an entry, replacing any previous entry for the same (user, query)
func (s *ResponseCacheService) Put(ctx context.Context, userID, query, response string, ttl time.Duration, rateLimitFallback bool, responseTime *float64) error {
	entry := models.CacheEntry{
		UserID:            userID,
		Query:             query,
		Response:          response,
		CreatedAt:         s.now().UTC(),
		TTLSeconds:        int64(ttl / time.Second),
		RateLimitFallback: rateLimitFallback,
		ResponseTime:      responseTime,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	if err := s.store.SetEx(ctx, CacheKey(userID, query), string(data), ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// significantTerms lowercases the words of text longer than three characters,
// dropping a fixed set of question and filler words
func significantTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.Fields(text) {
		if utf8.RuneCountInString(word) <= 3 {
			continue
		}
		lower := strings.ToLower(word)
		if _, stop := similarityStopWords[lower]; stop {
			continue
		}
		terms[lower] = struct{}{}
	}
	return terms
}

// termOverlap is |A ∩ B| / max(|A|, |B|)
func termOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for term := range a {
		if _, ok := b[term]; ok {
			shared++
		}
	}
	return float64(shared) / float64(max(len(a), len(b)))
}
