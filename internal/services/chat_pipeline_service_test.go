package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatcore/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// ========== Fakes ==========

type scriptedStream struct {
	elements []models.StreamElement
	err      error // returned once elements run out; io.EOF when nil
	block    bool  // never terminate until closed
	closed   chan struct{}
	once     sync.Once
}

func textStream(chunks ...string) *scriptedStream {
	s := &scriptedStream{closed: make(chan struct{})}
	for _, c := range chunks {
		s.elements = append(s.elements, models.TextChunk{Text: c})
	}
	return s
}

func (s *scriptedStream) withMetadata(md models.GenerationMetadata) *scriptedStream {
	s.elements = append(s.elements, models.MetadataChunk{Metadata: md})
	return s
}

func (s *scriptedStream) Recv(context.Context) (models.StreamElement, error) {
	if len(s.elements) > 0 {
		el := s.elements[0]
		s.elements = s.elements[1:]
		return el, nil
	}
	if s.block {
		<-s.closed
		return nil, errors.New("stream closed")
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type scriptedGenerator struct {
	stream   *scriptedStream
	err      error
	panicMsg string
	limited  bool
	calls    atomic.Int32
}

func (g *scriptedGenerator) Generate(context.Context, string) (ResponseStream, error) {
	g.calls.Add(1)
	if g.panicMsg != "" {
		panic(g.panicMsg)
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.stream, nil
}

func (g *scriptedGenerator) RateLimited() bool { return g.limited }

type recordedMetrics struct {
	logID string
	q     models.QualityMetrics
}

// recordingStore is an in-memory ChatStore
type recordingStore struct {
	mu       sync.Mutex
	failAll  bool
	failLogs bool // only SaveChatLog fails
	sessions int
	logs     []models.ChatLog
	metrics  []recordedMetrics
	stats    map[string]bool

	// optional hook run inside CreateSession
	onCreate func()
}

func newRecordingStore() *recordingStore {
	return &recordingStore{stats: make(map[string]bool)}
}

func (r *recordingStore) CreateSession(_ context.Context, userID string) (*models.Session, error) {
	if r.onCreate != nil {
		r.onCreate()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return nil, errStoreDown
	}
	r.sessions++
	now := time.Now()
	return &models.Session{SessionID: models.NewSessionID(userID, now), UserID: userID, StartTime: now}, nil
}

func (r *recordingStore) UpdateSessionStats(_ context.Context, sessionID string, successful bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errStoreDown
	}
	r.stats[sessionID] = successful
	return nil
}

func (r *recordingStore) SaveChatLog(_ context.Context, rec models.ChatLog) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll || r.failLogs {
		return "", errStoreDown
	}
	r.logs = append(r.logs, rec)
	return fmt.Sprintf("log-%d", len(r.logs)), nil
}

func (r *recordingStore) RecordQualityMetrics(_ context.Context, logID string, q models.QualityMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errStoreDown
	}
	r.metrics = append(r.metrics, recordedMetrics{logID: logID, q: q})
	return nil
}

func (r *recordingStore) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }
func (r *recordingStore) Ping(context.Context) error                                { return nil }

func (r *recordingStore) sessionResult(t *testing.T, sessionID string) bool {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	successful, ok := r.stats[sessionID]
	if !ok {
		t.Fatalf("session stats for %q were never updated", sessionID)
	}
	return successful
}

type fakeSentiment struct {
	result *models.Sentiment
	err    error
	calls  atomic.Int32
}

func (f *fakeSentiment) AnalyzeSentiment(context.Context, string) (*models.Sentiment, error) {
	f.calls.Add(1)
	return f.result, f.err
}

// ========== Fixture ==========

type pipelineFixture struct {
	svc     *ChatPipelineService
	store   *recordingStore
	mr      *miniredis.Miniredis
	cache   *ResponseCacheService
	limiter *RateLimiterService
	emitted []string
}

func newPipelineFixture(t *testing.T, gen Generator, sentiment SentimentAnalyzer) *pipelineFixture {
	t.Helper()
	kv, mr := newTestRedis(t)
	metrics := NewMetrics(prometheus.NewRegistry())

	cache := NewResponseCacheService(kv, metrics)
	limiter := NewRateLimiterService(kv, fixedLimits(100), time.Minute, 30*time.Second, metrics)
	store := newRecordingStore()

	cfg := DefaultPipelineConfig()
	cfg.GenerationTimeout = 2 * time.Second

	return &pipelineFixture{
		svc:     NewChatPipelineService(cache, limiter, store, gen, sentiment, metrics, cfg),
		store:   store,
		mr:      mr,
		cache:   cache,
		limiter: limiter,
	}
}

func (f *pipelineFixture) process(t *testing.T, query string) *models.ChatResponse {
	t.Helper()
	resp, err := f.svc.ProcessStream(context.Background(), query, "alice", func(s string) {
		f.emitted = append(f.emitted, s)
	})
	if err != nil {
		t.Fatalf("ProcessStream failed: %v", err)
	}
	return resp
}

const longSentence = "Renewable energy adoption has accelerated across every major economy."

// ========== Tests ==========

func TestPipeline_SuccessStreamsCachesAndPersists(t *testing.T) {
	quality := &models.QualityMetrics{HelpfulnessScore: 0.9, FactualGroundingScore: 0.8}
	gen := &scriptedGenerator{stream: textStream("Hello **there**. ", longSentence[:20], longSentence[20:]).
		withMetadata(models.GenerationMetadata{Metrics: models.GenerationMetrics{Quality: quality}})}
	f := newPipelineFixture(t, gen, nil)

	resp := f.process(t, "tell me about renewables")

	want := "Hello there. " + longSentence
	if resp.Response != want {
		t.Errorf("Response = %q, want %q", resp.Response, want)
	}
	if resp.Outcome != models.OutcomeSuccess || resp.ResponseTime == nil {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(f.emitted) != 2 || f.emitted[0] != "Hello there." {
		t.Errorf("emitted = %q, want two sentences", f.emitted)
	}
	if !gen.stream.isClosed() {
		t.Error("stream should be closed")
	}

	entry, err := f.cache.GetExact(context.Background(), "alice", "tell me about renewables")
	if err != nil || entry == nil || entry.Response != want || entry.RateLimitFallback {
		t.Fatalf("cache entry = %+v, %v", entry, err)
	}
	if ttl := f.mr.TTL(CacheKey("alice", "tell me about renewables")); ttl != time.Hour {
		t.Errorf("cache TTL = %v, want 1h", ttl)
	}

	if len(f.store.logs) != 1 || f.store.logs[0].Response != want || f.store.logs[0].SessionID != resp.SessionID {
		t.Errorf("chat logs = %+v", f.store.logs)
	}
	if len(f.store.metrics) != 1 || f.store.metrics[0].logID != "log-1" || f.store.metrics[0].q.Source != "generator" {
		t.Errorf("quality metrics = %+v", f.store.metrics)
	}
	if resp.Metadata == nil || resp.Metadata.Quality == nil || resp.Metadata.Quality.HelpfulnessScore != 0.9 {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
	if !f.store.sessionResult(t, resp.SessionID) {
		t.Error("session should be marked successful")
	}
}

func TestPipeline_ShortResponseIsNotCached(t *testing.T) {
	f := newPipelineFixture(t, &scriptedGenerator{stream: textStream("Short answer.")}, nil)

	resp := f.process(t, "quick question")
	if resp.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s", resp.Outcome)
	}
	if f.mr.Exists(CacheKey("alice", "quick question")) {
		t.Error("responses of 50 characters or less must not be cached")
	}
	if len(f.store.logs) != 1 {
		t.Error("short responses are still logged")
	}
}

func TestPipeline_CacheHitBypassesGeneration(t *testing.T) {
	gen := &scriptedGenerator{stream: textStream("should not be used.")}
	f := newPipelineFixture(t, gen, nil)

	rt := 0.5
	raw := "**Cached** answer, returned exactly as stored."
	_ = f.cache.Put(context.Background(), "alice", "cached question", raw, time.Hour, false, &rt)

	resp := f.process(t, "cached question")

	if resp.Response != raw || resp.Outcome != models.OutcomeCacheHit {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ResponseTime == nil || *resp.ResponseTime != rt {
		t.Errorf("ResponseTime = %v, want stored %v", resp.ResponseTime, rt)
	}
	if gen.calls.Load() != 0 {
		t.Error("generator must not be called on a cache hit")
	}
	if len(f.store.logs) != 0 {
		t.Error("cache hits are not persisted")
	}
	if !f.store.sessionResult(t, resp.SessionID) {
		t.Error("cache hit session should be successful")
	}
}

func TestPipeline_TimeoutDiscardsPartialText(t *testing.T) {
	stream := textStream("Partial sentence one. ", "Partial two")
	stream.block = true
	f := newPipelineFixture(t, &scriptedGenerator{stream: stream}, nil)
	f.svc.cfg.GenerationTimeout = 50 * time.Millisecond

	resp := f.process(t, "slow question")

	if resp.Response != TimeoutMessage || resp.Outcome != models.OutcomeDegraded || resp.Reason != models.DegradeTimeout {
		t.Errorf("resp = %+v", resp)
	}
	if !stream.isClosed() {
		t.Error("generation should be cancelled on timeout")
	}
	if len(f.store.logs) != 0 {
		t.Error("timed-out requests are not persisted")
	}
	if f.store.sessionResult(t, resp.SessionID) {
		t.Error("timed-out session must not be successful")
	}
	if active, _ := f.limiter.IsCircuitActive(context.Background()); active {
		t.Error("timeout must not open the circuit")
	}
}

func TestPipeline_OverloadMidStreamSalvagesPartial(t *testing.T) {
	partial := "The first sentence is complete. And more"
	if len(partial) != 40 {
		t.Fatalf("fixture should be 40 characters, is %d", len(partial))
	}
	stream := textStream(partial[:25], partial[25:])
	stream.err = errors.New("429 Too Many Requests: resource exhausted")
	f := newPipelineFixture(t, &scriptedGenerator{stream: stream}, nil)

	resp := f.process(t, "overloaded question")

	if resp.Response != partial+TruncationNotice {
		t.Errorf("Response = %q", resp.Response)
	}
	if resp.Outcome != models.OutcomeDegraded || resp.Reason != models.DegradeSalvaged {
		t.Errorf("Outcome = %s/%s", resp.Outcome, resp.Reason)
	}

	active, ttl := f.limiter.IsCircuitActive(context.Background())
	if !active || ttl <= 0 {
		t.Errorf("circuit should be open with positive TTL, got %v %v", active, ttl)
	}
	if !f.svc.cooldown.IsInCooldown() {
		t.Error("local cooldown should be set")
	}

	if len(f.store.logs) != 1 || f.store.logs[0].Response != resp.Response {
		t.Errorf("salvaged response should be logged, logs = %+v", f.store.logs)
	}
	if len(f.store.metrics) != 0 {
		t.Error("salvaged responses get no quality metrics")
	}
	if f.mr.Exists(CacheKey("alice", "overloaded question")) {
		t.Error("salvaged responses must not be cached")
	}
	if f.store.sessionResult(t, resp.SessionID) {
		t.Error("overloaded session must not be successful")
	}
	if last := f.emitted[len(f.emitted)-1]; last != TruncationNotice {
		t.Errorf("last emitted = %q, want truncation notice", last)
	}
}

func TestPipeline_OverloadWithLittleTextApologises(t *testing.T) {
	stream := textStream("Hi there.")
	stream.err = errors.New("quota exceeded")
	f := newPipelineFixture(t, &scriptedGenerator{stream: stream}, nil)

	resp := f.process(t, "question")

	if resp.Response != HighDemandMessage || resp.Reason != models.DegradeOverload {
		t.Errorf("resp = %+v", resp)
	}
	if active, _ := f.limiter.IsCircuitActive(context.Background()); !active {
		t.Error("circuit should be open")
	}
	if len(f.store.logs) != 0 {
		t.Error("apologies are not persisted")
	}
}

// circuitWriteFailure rejects writes of the global circuit flag
type circuitWriteFailure struct {
	KVStore
}

func (c circuitWriteFailure) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == CircuitBreakerKey {
		return errStoreDown
	}
	return c.KVStore.SetEx(ctx, key, value, ttl)
}

func TestPipeline_OverloadWhenCircuitCannotBeOpened(t *testing.T) {
	kv, _ := newTestRedis(t)
	limiter := NewRateLimiterService(circuitWriteFailure{KVStore: kv}, fixedLimits(100), time.Minute, 30*time.Second, nil)
	stream := textStream("Hi there.")
	stream.err = errors.New("quota exceeded")

	svc := NewChatPipelineService(
		NewResponseCacheService(kv, nil), limiter, newRecordingStore(),
		&scriptedGenerator{stream: stream}, nil, nil, DefaultPipelineConfig(),
	)

	resp, err := svc.Process(context.Background(), "question", "alice")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if resp.Response != HighDemandMessage || resp.Reason != models.DegradeOverload {
		t.Errorf("resp = %+v", resp)
	}
	if active, _ := limiter.IsCircuitActive(context.Background()); active {
		t.Error("circuit write failed, it must not be reported open")
	}
	if !svc.cooldown.IsInCooldown() {
		t.Error("local cooldown still applies when the shared circuit write fails")
	}
}

func TestPipeline_OverloadOnOpenThenCachedFallback(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("rate limit reached for requests")}
	f := newPipelineFixture(t, gen, nil)
	ctx := context.Background()

	_ = f.cache.Put(ctx, "alice", "what is climate change impact on agriculture", "Climate answer.", time.Hour, false, nil)

	resp := f.process(t, "coffee brewing")
	if resp.Response != HighDemandMessage || resp.Reason != models.DegradeOverload {
		t.Fatalf("first resp = %+v", resp)
	}

	// Generator is now suppressed: similar queries fall back to the cache
	resp = f.process(t, "climate change agriculture impact")
	if resp.Response != CachedFallbackPrefix+"Climate answer." || resp.Reason != models.DegradeCachedFallback {
		t.Errorf("fallback resp = %+v", resp)
	}
	if gen.calls.Load() != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls.Load())
	}
	if f.store.sessionResult(t, resp.SessionID) {
		t.Error("fallback session must not be successful")
	}

	resp = f.process(t, "best coffee brewing methods")
	if resp.Response != HighDemandMessage || resp.Reason != models.DegradeRateLimited {
		t.Errorf("no-fallback resp = %+v", resp)
	}
}

func TestPipeline_GeneratorReportsRateLimited(t *testing.T) {
	gen := &scriptedGenerator{stream: textStream("unused."), limited: true}
	f := newPipelineFixture(t, gen, nil)

	resp := f.process(t, "anything at all")
	if resp.Reason != models.DegradeRateLimited || gen.calls.Load() != 0 {
		t.Errorf("resp = %+v, calls = %d", resp, gen.calls.Load())
	}
}

func TestPipeline_OtherErrorsAreGeneric(t *testing.T) {
	f := newPipelineFixture(t, &scriptedGenerator{err: errors.New("connection reset")}, nil)

	resp := f.process(t, "question")

	if resp.Response != GenericErrorMessage || resp.Outcome != models.OutcomeError {
		t.Errorf("resp = %+v", resp)
	}
	if active, _ := f.limiter.IsCircuitActive(context.Background()); active {
		t.Error("generic errors must not open the circuit")
	}
	if f.svc.cooldown.IsInCooldown() {
		t.Error("generic errors must not set the cooldown")
	}
	if f.store.sessionResult(t, resp.SessionID) {
		t.Error("errored session must not be successful")
	}
}

func TestPipeline_RateLimitedModeUsesFallbackTTL(t *testing.T) {
	stream := textStream(longSentence).withMetadata(models.GenerationMetadata{RateLimitedMode: true})
	f := newPipelineFixture(t, &scriptedGenerator{stream: stream}, nil)

	resp := f.process(t, "energy question")

	if resp.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s", resp.Outcome)
	}
	entry, _ := f.cache.GetExact(context.Background(), "alice", "energy question")
	if entry == nil || !entry.RateLimitFallback {
		t.Fatalf("entry = %+v, want rate-limit fallback entry", entry)
	}
	if ttl := f.mr.TTL(CacheKey("alice", "energy question")); ttl != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", ttl)
	}
	if f.store.sessionResult(t, resp.SessionID) {
		t.Error("rate-limited mode session must not be successful")
	}
}

func TestPipeline_SentimentFallback(t *testing.T) {
	sentiment := &fakeSentiment{result: &models.Sentiment{SentimentScore: 0.4, EmotionLabels: []string{"curious"}}}
	f := newPipelineFixture(t, &scriptedGenerator{stream: textStream(longSentence)}, sentiment)

	resp := f.process(t, "energy question")

	if sentiment.calls.Load() != 1 {
		t.Fatalf("sentiment called %d times", sentiment.calls.Load())
	}
	if len(f.store.metrics) != 1 || f.store.metrics[0].q.Source != "sentiment" || f.store.metrics[0].q.SentimentScore != 0.4 {
		t.Errorf("metrics = %+v", f.store.metrics)
	}
	if resp.Metadata == nil || resp.Metadata.Sentiment == nil {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
}

func TestPipeline_SentimentOverloadEscalatesCooldown(t *testing.T) {
	sentiment := &fakeSentiment{err: errors.New("429 resource exhausted")}
	f := newPipelineFixture(t, &scriptedGenerator{stream: textStream(longSentence)}, sentiment)

	resp := f.process(t, "energy question")

	if resp.Outcome != models.OutcomeSuccess {
		t.Errorf("sentiment failures must not fail the request: %+v", resp)
	}
	if remaining := f.svc.cooldown.Remaining(); remaining <= 60*time.Second {
		t.Errorf("cooldown remaining = %v, want escalated", remaining)
	}
}

func TestPipeline_PersistenceFailuresAreSwallowed(t *testing.T) {
	f := newPipelineFixture(t, &scriptedGenerator{stream: textStream(longSentence)}, nil)
	f.store.failAll = true

	resp := f.process(t, "energy question")

	if resp.Response != longSentence || resp.Outcome != models.OutcomeSuccess {
		t.Errorf("resp = %+v", resp)
	}
	if resp.SessionID != "" {
		t.Error("no session id when session creation fails")
	}
}

func TestPipeline_MetricsSkippedWithoutChatLog(t *testing.T) {
	quality := &models.QualityMetrics{HelpfulnessScore: 0.9}
	gen := &scriptedGenerator{stream: textStream(longSentence).
		withMetadata(models.GenerationMetadata{Metrics: models.GenerationMetrics{Quality: quality}})}
	f := newPipelineFixture(t, gen, nil)
	f.store.failLogs = true

	resp := f.process(t, "energy question")

	if resp.Outcome != models.OutcomeSuccess || resp.Response != longSentence {
		t.Fatalf("resp = %+v", resp)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.metrics) != 0 {
		t.Errorf("metrics must not be written without a chat log row: %+v", f.store.metrics)
	}
	// The concurrent cache write is unaffected by the failed log write
	if !f.mr.Exists(CacheKey("alice", "energy question")) {
		t.Error("response should still be cached")
	}
	if resp.Metadata == nil || resp.Metadata.Quality == nil {
		t.Error("quality is still reported to the caller")
	}
}

// cacheWriteFailure rejects response cache writes and passes everything else through
type cacheWriteFailure struct {
	KVStore
}

func (c cacheWriteFailure) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, "chat:") {
		return errStoreDown
	}
	return c.KVStore.SetEx(ctx, key, value, ttl)
}

func TestPipeline_CacheWriteFailureStillPersists(t *testing.T) {
	kv, mr := newTestRedis(t)
	store := newRecordingStore()
	quality := &models.QualityMetrics{HelpfulnessScore: 0.7}
	gen := &scriptedGenerator{stream: textStream(longSentence).
		withMetadata(models.GenerationMetadata{Metrics: models.GenerationMetrics{Quality: quality}})}

	svc := NewChatPipelineService(
		NewResponseCacheService(cacheWriteFailure{KVStore: kv}, nil),
		NewRateLimiterService(kv, fixedLimits(100), time.Minute, 30*time.Second, nil),
		store, gen, nil, nil, DefaultPipelineConfig(),
	)

	resp, err := svc.Process(context.Background(), "energy question", "alice")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if resp.Outcome != models.OutcomeSuccess {
		t.Errorf("Outcome = %s, want success", resp.Outcome)
	}
	if mr.Exists(CacheKey("alice", "energy question")) {
		t.Error("cache entry should not exist after a failed write")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.logs) != 1 {
		t.Errorf("chat logs = %d, want 1", len(store.logs))
	}
	if len(store.metrics) != 1 || store.metrics[0].logID != "log-1" {
		t.Errorf("metrics = %+v, want one row linked to log-1", store.metrics)
	}
}

func TestPipeline_CacheLookupAndSessionRunConcurrently(t *testing.T) {
	var (
		cacheStarted   = make(chan struct{})
		sessionStarted = make(chan struct{})
		overlapped     atomic.Bool
	)

	kv, _ := newTestRedis(t)
	gate := &gatedStore{KVStore: kv, started: cacheStarted, wait: sessionStarted, overlapped: &overlapped}
	store := newRecordingStore()
	store.onCreate = func() {
		close(sessionStarted)
		select {
		case <-cacheStarted:
		case <-time.After(2 * time.Second):
		}
	}

	svc := NewChatPipelineService(
		NewResponseCacheService(gate, nil),
		NewRateLimiterService(kv, fixedLimits(100), time.Minute, 30*time.Second, nil),
		store,
		&scriptedGenerator{stream: textStream("Fine.")},
		nil, nil, DefaultPipelineConfig(),
	)

	if _, err := svc.Process(context.Background(), "question", "alice"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !overlapped.Load() {
		t.Error("cache lookup and session creation should run concurrently")
	}
}

// gatedStore blocks the first cache read until session creation has started
type gatedStore struct {
	KVStore
	started    chan struct{}
	wait       chan struct{}
	overlapped *atomic.Bool
	once       sync.Once
}

func (g *gatedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.HasPrefix(key, "chat:") {
		g.once.Do(func() {
			close(g.started)
			select {
			case <-g.wait:
				g.overlapped.Store(true)
			case <-time.After(2 * time.Second):
			}
		})
	}
	return g.KVStore.Get(ctx, key)
}

func TestPipeline_PanicBecomesInternalError(t *testing.T) {
	f := newPipelineFixture(t, &scriptedGenerator{panicMsg: "boom"}, nil)

	_, err := f.svc.Process(context.Background(), "question", "alice")
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.stats) != 1 {
		t.Error("session stats must be updated on the panic path too")
	}
}

func TestPipeline_RejectsEmptyInput(t *testing.T) {
	f := newPipelineFixture(t, &scriptedGenerator{stream: textStream("x.")}, nil)

	if _, err := f.svc.Process(context.Background(), "  ", "alice"); !errors.Is(err, ErrInternal) {
		t.Errorf("empty query err = %v", err)
	}
	if _, err := f.svc.Process(context.Background(), "question", ""); !errors.Is(err, ErrInternal) {
		t.Errorf("empty user err = %v", err)
	}
}
