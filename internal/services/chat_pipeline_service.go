package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chatcore/internal/health"
	"chatcore/internal/logging"
	"chatcore/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("chatcore.pipeline")

// User-facing texts of the degraded and error paths
const (
	CachedFallbackPrefix = "Note: Using cached response due to high traffic. "
	HighDemandMessage    = "I apologize, but our service is experiencing high demand right now. Please try again in a moment."
	TruncationNotice     = "\n\nNote: Response was truncated due to high demand. Please try again in a moment."
	TimeoutMessage       = "The request took too long to process. Please try again."
	GenericErrorMessage  = "I encountered an error processing your message. Please try again."
)

// PipelineConfig tunes the orchestrator
type PipelineConfig struct {
	GenerationTimeout      time.Duration
	LocalCooldown          time.Duration
	LocalCooldownEscalated time.Duration
	CacheTTL               time.Duration
	FallbackCacheTTL       time.Duration
	// Responses must be longer than this to be cached
	MinCacheLength int
	// Partial responses must be longer than this to be salvaged on overload
	MinSalvageLength int
}

// DefaultPipelineConfig returns the production defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		GenerationTimeout:      30 * time.Second,
		LocalCooldown:          60 * time.Second,
		LocalCooldownEscalated: 120 * time.Second,
		CacheTTL:               DefaultCacheTTL,
		FallbackCacheTTL:       FallbackCacheTTL,
		MinCacheLength:         50,
		MinSalvageLength:       30,
	}
}

// ChatPipelineService turns a query into a response: cache lookup, generation
// streamed through the sentence buffer, graceful degradation and persistence
type ChatPipelineService struct {
	cache     *ResponseCacheService
	limiter   *RateLimiterService
	store     ChatStore
	generator Generator
	sentiment SentimentAnalyzer
	cooldown  *health.Cooldown
	metrics   *Metrics
	cfg       PipelineConfig
	now       func() time.Time
}

// NewChatPipelineService wires the orchestrator. sentiment may be nil.
func NewChatPipelineService(
	cache *ResponseCacheService,
	limiter *RateLimiterService,
	store ChatStore,
	generator Generator,
	sentiment SentimentAnalyzer,
	metrics *Metrics,
	cfg PipelineConfig,
) *ChatPipelineService {
	return &ChatPipelineService{
		cache:     cache,
		limiter:   limiter,
		store:     store,
		generator: generator,
		sentiment: sentiment,
		cooldown:  health.NewCooldown("generator"),
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Admit is the gate the transport layer calls before Process
func (s *ChatPipelineService) Admit(ctx context.Context, userID string) models.AdmitResult {
	return s.limiter.Admit(ctx, userID)
}

// LimitStatus reports the caller's rate window without counting a request
func (s *ChatPipelineService) LimitStatus(ctx context.Context, userID string) models.RateLimitStatus {
	return s.limiter.Status(ctx, userID)
}

// pipelineRun is the state of one request
type pipelineRun struct {
	query       string
	userID      string
	sessionID   string
	start       time.Time
	logger      *slog.Logger
	emit        func(string)
	rateLimited bool
}

func (r *pipelineRun) send(text string) {
	if r.emit != nil && text != "" {
		r.emit(text)
	}
}

// Process answers a query and returns the complete response
func (s *ChatPipelineService) Process(ctx context.Context, query, userID string) (*models.ChatResponse, error) {
	return s.ProcessStream(ctx, query, userID, nil)
}

// ProcessStream answers a query, calling emit with each piece of text as soon as it
// is available. Generation failures become user-facing responses; only invalid input
// and unexpected internal failures are returned as errors.
func (s *ChatPipelineService) ProcessStream(ctx context.Context, query, userID string, emit func(string)) (resp *models.ChatResponse, err error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: user id and query are required", ErrInternal)
	}

	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	run := &pipelineRun{
		query:  query,
		userID: userID,
		start:  s.now(),
		logger: logging.WithRequest(requestID, userID),
		emit:   emit,
	}

	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("query.length", len(query)),
	))
	defer span.End()

	cached, session := s.lookupAndStartSession(ctx, run)
	if session != nil {
		run.sessionID = session.SessionID
		run.logger = logging.WithSession(run.logger, run.sessionID)
	}

	// Session stats are updated on every exit path, panics included
	defer func() {
		if r := recover(); r != nil {
			run.logger.Error("pipeline panic", "panic", r)
			span.SetStatus(codes.Error, "panic")
			resp, err = nil, fmt.Errorf("%w: %v", ErrInternal, r)
		}
		s.finish(ctx, run, resp)
	}()

	if cached != nil {
		run.logger.Info("cache hit", "response_length", len(cached.Response))
		run.send(cached.Response)
		return s.respond(run, cached.Response, models.OutcomeCacheHit, models.DegradeNone, cached.ResponseTime), nil
	}

	if s.isRateLimited(ctx, run) {
		run.rateLimited = true
		return s.rateLimitedFallback(ctx, run), nil
	}

	gen, genErr := s.streamGeneration(ctx, run)
	if genErr != nil {
		return s.handleGenerationError(ctx, span, run, gen, genErr), nil
	}

	if gen.metadata != nil && (gen.metadata.RateLimitedMode || gen.metadata.Metrics.RateLimitedMode) {
		run.logger.Warn("response generated in rate-limited mode")
		run.rateLimited = true
	}

	responseTime := s.now().Sub(run.start).Seconds()
	run.logger.Info("generation completed", "response_length", len(gen.text), "response_time", responseTime)

	resp = s.respond(run, gen.text, models.OutcomeSuccess, models.DegradeNone, &responseTime)
	resp.Metadata = s.persist(ctx, run, gen.text, responseTime, gen.metadata, true)
	return resp, nil
}

// lookupAndStartSession runs the exact cache lookup and session creation concurrently.
// Neither failure aborts the request.
func (s *ChatPipelineService) lookupAndStartSession(ctx context.Context, run *pipelineRun) (*models.CacheEntry, *models.Session) {
	var (
		cached  *models.CacheEntry
		session *models.Session
		g       errgroup.Group
	)

	g.Go(func() error {
		entry, err := s.cache.GetExact(ctx, run.userID, run.query)
		if err != nil {
			run.logger.Warn("cache lookup failed", "error", err)
			s.metrics.RecordSwallowed("cache")
			return nil
		}
		cached = entry
		return nil
	})

	g.Go(func() error {
		sess, err := s.store.CreateSession(ctx, run.userID)
		if err != nil {
			run.logger.Error("session creation failed", "error", fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err))
			s.metrics.RecordSwallowed("persistence")
			return nil
		}
		session = sess
		return nil
	})

	_ = g.Wait()
	return cached, session
}

// isRateLimited reports whether generation should not be attempted right now
func (s *ChatPipelineService) isRateLimited(ctx context.Context, run *pipelineRun) bool {
	if aware, ok := s.generator.(RateLimitAware); ok && aware.RateLimited() {
		run.logger.Warn("generator is in rate-limited state")
		return true
	}
	if s.cooldown.IsInCooldown() {
		run.logger.Warn("local rate limit cooldown active", "remaining", s.cooldown.Remaining().String())
		return true
	}
	if active, ttl := s.limiter.IsCircuitActive(ctx); active {
		run.logger.Warn("global circuit breaker active", "remaining", ttl.String())
		return true
	}
	return false
}

func (s *ChatPipelineService) rateLimitedFallback(ctx context.Context, run *pipelineRun) *models.ChatResponse {
	similar, found, err := s.cache.GetSimilar(ctx, run.userID, run.query)
	if err != nil {
		run.logger.Warn("fallback cache lookup failed", "error", err)
		s.metrics.RecordSwallowed("cache")
	}

	if found {
		run.logger.Info("using cached response due to rate limiting")
		run.send(CachedFallbackPrefix)
		run.send(similar)
		return s.respond(run, CachedFallbackPrefix+similar, models.OutcomeDegraded, models.DegradeCachedFallback, nil)
	}

	run.send(HighDemandMessage)
	return s.respond(run, HighDemandMessage, models.OutcomeDegraded, models.DegradeRateLimited, nil)
}

type generation struct {
	text     string
	metadata *models.GenerationMetadata
}

type received struct {
	element models.StreamElement
	err     error
}

// streamGeneration drives the generator under one deadline for the whole stream,
// pushing text through the sentence buffer and emitting each sentence as it completes.
// On overload the returned generation holds the text produced so far.
func (s *ChatPipelineService) streamGeneration(ctx context.Context, run *pipelineRun) (generation, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	genCtx, span := tracer.Start(genCtx, "pipeline.generate")
	defer span.End()

	stream, err := s.generator.Generate(genCtx, run.query)
	if err != nil {
		return generation{}, s.classify(genCtx, err)
	}
	defer stream.Close()

	elements := make(chan received)
	go func() {
		defer close(elements)
		for {
			el, err := stream.Recv(genCtx)
			select {
			case elements <- received{element: el, err: err}:
			case <-genCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		gen       generation
		sentences []string
		buffer    = NewSentenceBuffer()
	)

	flush := func() {
		if rest := buffer.Flush(); rest != "" {
			sentences = append(sentences, rest)
			run.send(rest)
		}
		gen.text = strings.Join(sentences, " ")
	}

	for {
		select {
		case <-genCtx.Done():
			// Partial text is discarded on timeout
			span.SetStatus(codes.Error, "deadline")
			return generation{}, s.classify(genCtx, genCtx.Err())

		case r, ok := <-elements:
			if !ok {
				return generation{}, s.classify(genCtx, genCtx.Err())
			}

			if errors.Is(r.err, io.EOF) {
				flush()
				span.SetAttributes(attribute.Int("response.sentences", len(sentences)))
				return gen, nil
			}

			if r.err != nil {
				classified := s.classify(genCtx, r.err)
				if errors.Is(classified, ErrUpstreamOverload) {
					flush()
				}
				span.RecordError(r.err)
				return gen, classified
			}

			switch el := r.element.(type) {
			case models.TextChunk:
				for _, sentence := range buffer.Write(el.Text) {
					sentences = append(sentences, sentence)
					run.send(sentence)
				}
			case models.MetadataChunk:
				md := el.Metadata
				gen.metadata = &md
			}
		}
	}
}

// classify maps a generation failure onto the error taxonomy
func (s *ChatPipelineService) classify(genCtx context.Context, err error) error {
	switch {
	case errors.Is(genCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
	case health.IsOverloadError(err):
		return fmt.Errorf("%w: %v", ErrUpstreamOverload, err)
	default:
		return fmt.Errorf("%w: %v", ErrGeneration, err)
	}
}

func (s *ChatPipelineService) handleGenerationError(ctx context.Context, span trace.Span, run *pipelineRun, gen generation, err error) *models.ChatResponse {
	span.RecordError(err)

	switch {
	case errors.Is(err, ErrGenerationTimeout):
		run.logger.Warn("generation timed out", "timeout", s.cfg.GenerationTimeout.String())
		run.send(TimeoutMessage)
		return s.respond(run, TimeoutMessage, models.OutcomeDegraded, models.DegradeTimeout, nil)

	case errors.Is(err, ErrUpstreamOverload):
		run.rateLimited = true
		run.logger.Warn("upstream overload detected", "error", err, "partial_length", len(gen.text))
		if err := s.limiter.RecordUpstreamExhaustion(ctx); err != nil {
			span.RecordError(err)
			run.logger.Warn("failed to open circuit", "error", err)
		}
		s.cooldown.SetCooldown(s.cfg.LocalCooldown)

		if len(gen.text) > s.cfg.MinSalvageLength {
			text := gen.text + TruncationNotice
			run.send(TruncationNotice)
			responseTime := s.now().Sub(run.start).Seconds()
			s.persist(ctx, run, text, responseTime, nil, false)
			return s.respond(run, text, models.OutcomeDegraded, models.DegradeSalvaged, &responseTime)
		}

		run.send(HighDemandMessage)
		return s.respond(run, HighDemandMessage, models.OutcomeDegraded, models.DegradeOverload, nil)

	default:
		span.SetStatus(codes.Error, err.Error())
		s.logErrorMetadata(run, "generation_error", err)
		run.send(GenericErrorMessage)
		return s.respond(run, GenericErrorMessage, models.OutcomeError, models.DegradeNone, nil)
	}
}

func (s *ChatPipelineService) logErrorMetadata(run *pipelineRun, errorType string, err error) {
	md := models.ErrorMetadata{
		ResponseTime: s.now().Sub(run.start).Seconds(),
		ErrorType:    errorType,
		Occurred:     true,
	}
	run.logger.Error("request failed", "error", err, "error_type", md.ErrorType, "response_time", md.ResponseTime)
}

// persist writes the chat log and, for complete responses, the cache entry concurrently,
// then records quality metrics against the new log row. Without a row the metrics are
// not written. Failures are logged only.
// Runs detached from caller cancellation so it always completes.
func (s *ChatPipelineService) persist(ctx context.Context, run *pipelineRun, text string, responseTime float64, md *models.GenerationMetadata, complete bool) *models.ResponseMetadata {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	var (
		logID string
		g     errgroup.Group
	)

	g.Go(func() error {
		id, err := s.store.SaveChatLog(ctx, models.ChatLog{
			UserID:       run.userID,
			SessionID:    run.sessionID,
			Query:        run.query,
			Response:     text,
			ResponseTime: responseTime,
			Timestamp:    s.now().UTC(),
		})
		if err != nil {
			run.logger.Error("chat log write failed", "error", fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err))
			s.metrics.RecordSwallowed("persistence")
			return nil
		}
		logID = id
		return nil
	})

	if complete && len(text) > s.cfg.MinCacheLength {
		g.Go(func() error {
			ttl, fallback := s.cfg.CacheTTL, false
			if run.rateLimited {
				ttl, fallback = s.cfg.FallbackCacheTTL, true
			}
			if err := s.cache.Put(ctx, run.userID, run.query, text, ttl, fallback, &responseTime); err != nil {
				run.logger.Warn("cache write failed", "error", err)
				s.metrics.RecordSwallowed("cache")
			}
			return nil
		})
	}

	_ = g.Wait()

	if !complete {
		return nil
	}

	result := &models.ResponseMetadata{ResponseTime: responseTime}
	quality := s.qualityMetrics(ctx, run, md, result)
	if quality == nil {
		return result
	}
	result.Quality = quality

	if logID == "" {
		run.logger.Warn("quality metrics not recorded, no chat log row", "source", quality.Source)
		s.metrics.RecordSwallowed("persistence")
		return result
	}
	if err := s.store.RecordQualityMetrics(ctx, logID, *quality); err != nil {
		run.logger.Error("quality metrics write failed", "error", fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err))
		s.metrics.RecordSwallowed("persistence")
	}
	return result
}

// qualityMetrics prefers generator-supplied metrics and falls back to sentiment analysis
func (s *ChatPipelineService) qualityMetrics(ctx context.Context, run *pipelineRun, md *models.GenerationMetadata, result *models.ResponseMetadata) *models.QualityMetrics {
	if md != nil && md.Metrics.Quality != nil {
		q := *md.Metrics.Quality
		q.Source = "generator"
		return &q
	}

	if s.sentiment == nil {
		return nil
	}

	run.logger.Debug("no generator metrics, falling back to sentiment analysis")
	sentiment, err := s.sentiment.AnalyzeSentiment(ctx, run.query)
	if err != nil {
		if health.IsOverloadError(err) {
			s.cooldown.SetCooldown(s.cfg.LocalCooldownEscalated)
		}
		run.logger.Warn("sentiment analysis failed", "error", err)
		s.metrics.RecordSwallowed("sentiment")
		return nil
	}

	result.Sentiment = sentiment
	return &models.QualityMetrics{
		SentimentScore: sentiment.SentimentScore,
		Source:         "sentiment",
	}
}

func (s *ChatPipelineService) respond(run *pipelineRun, text string, outcome models.Outcome, reason models.DegradeReason, responseTime *float64) *models.ChatResponse {
	return &models.ChatResponse{
		Response:     text,
		Timestamp:    s.now().UTC(),
		UserID:       run.userID,
		ResponseTime: responseTime,
		Outcome:      outcome,
		Reason:       reason,
		SessionID:    run.sessionID,
	}
}

// finish records the request and updates session stats
func (s *ChatPipelineService) finish(ctx context.Context, run *pipelineRun, resp *models.ChatResponse) {
	outcome, reason := models.OutcomeError, models.DegradeNone
	if resp != nil {
		outcome, reason = resp.Outcome, resp.Reason
	}
	s.metrics.RecordChatRequest(string(outcome), string(reason), s.now().Sub(run.start).Seconds())

	if run.sessionID == "" {
		return
	}

	successful := (outcome == models.OutcomeSuccess || outcome == models.OutcomeCacheHit) && !run.rateLimited
	if err := s.store.UpdateSessionStats(context.WithoutCancel(ctx), run.sessionID, successful); err != nil {
		run.logger.Error("session stats update failed", "error", fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err))
		s.metrics.RecordSwallowed("persistence")
	}
}
