package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"chatcore/internal/health"
	"chatcore/internal/models"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const defaultSystemPrompt = "You are a helpful research assistant. Answer in clear, complete sentences. " +
	"When you cite a publication, write its title followed by (DOI: <doi>)."

const sentimentPrompt = `Analyze the sentiment of the user's message. Reply with a JSON object only:
{"sentiment_score": <number from -1 to 1>, "emotion_labels": [<strings>], "aspects": {<aspect>: <score from -1 to 1>}}`

// upstreamBackoff is how long the generator reports itself rate limited after a quota error
const upstreamBackoff = 30 * time.Second

// OpenAIGenerator streams completions from an OpenAI-compatible API
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
	limiter      *rate.Limiter

	mu           sync.RWMutex
	limitedUntil time.Time
}

// NewOpenAIGenerator creates a generator. baseURL may be empty for the default endpoint.
// rps paces outbound calls so bursts do not trip the provider's own limits.
func NewOpenAIGenerator(apiKey, baseURL, model string, rps float64) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if rps <= 0 {
		rps = 2
	}

	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: defaultSystemPrompt,
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps*2)+1),
	}
}

// RateLimited reports whether the provider recently rejected a call for quota reasons
func (g *OpenAIGenerator) RateLimited() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return time.Now().Before(g.limitedUntil)
}

func (g *OpenAIGenerator) observe(err error) {
	if err == nil || !health.IsOverloadError(err) {
		return
	}
	g.mu.Lock()
	g.limitedUntil = time.Now().Add(upstreamBackoff)
	g.mu.Unlock()
	log.Printf("⚠️  [GENERATOR] Provider rate limited, backing off for %v: %v", upstreamBackoff, err)
}

func (g *OpenAIGenerator) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("local rate limit: %w", err)
	}
	return nil
}

// Generate opens a streaming completion for query
func (g *OpenAIGenerator) Generate(ctx context.Context, query string) (ResponseStream, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		g.observe(err)
		return nil, err
	}

	return &openAIStream{gen: g, stream: stream}, nil
}

// openAIStream adapts a completion stream to text chunks followed by one metadata chunk
type openAIStream struct {
	gen     *OpenAIGenerator
	stream  *openai.ChatCompletionStream
	usage   *openai.Usage
	pending []string
	done    bool
}

func (s *openAIStream) Recv(ctx context.Context) (models.StreamElement, error) {
	for {
		if len(s.pending) > 0 {
			text := s.pending[0]
			s.pending = s.pending[1:]
			return models.TextChunk{Text: text}, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return models.MetadataChunk{Metadata: s.metadata()}, nil
		}
		if err != nil {
			s.gen.observe(err)
			return nil, err
		}

		if resp.Usage != nil {
			s.usage = resp.Usage
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, choice.Delta.Content)
			}
		}
	}
}

func (s *openAIStream) metadata() models.GenerationMetadata {
	md := models.GenerationMetadata{Timestamp: time.Now().UTC()}
	if s.usage != nil {
		md.Metrics.PromptTokens = s.usage.PromptTokens
		md.Metrics.CompletionTokens = s.usage.CompletionTokens
	}
	return md
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// AnalyzeSentiment asks the model for a JSON sentiment record of text
func (g *OpenAIGenerator) AnalyzeSentiment(ctx context.Context, text string) (*models.Sentiment, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sentimentPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		g.observe(err)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("sentiment analysis returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var sentiment models.Sentiment
	if err := json.Unmarshal([]byte(content), &sentiment); err != nil {
		return nil, fmt.Errorf("failed to parse sentiment response: %w", err)
	}
	return &sentiment, nil
}
