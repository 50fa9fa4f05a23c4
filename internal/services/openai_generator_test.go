package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatcore/internal/health"
	"chatcore/internal/models"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIGenerator {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIGenerator("test-key", server.URL+"/v1", "test-model", 100)
}

func TestOpenAIGenerator_StreamsTextThenMetadata(t *testing.T) {
	gen := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, content := range []string{"Hello. ", "World."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":7,\"total_tokens\":12}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ctx := context.Background()
	stream, err := gen.Generate(ctx, "hi")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	defer stream.Close()

	var (
		text strings.Builder
		md   *models.GenerationMetadata
	)
	for {
		el, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		switch v := el.(type) {
		case models.TextChunk:
			if md != nil {
				t.Error("text arrived after metadata")
			}
			text.WriteString(v.Text)
		case models.MetadataChunk:
			m := v.Metadata
			md = &m
		}
	}

	if text.String() != "Hello. World." {
		t.Errorf("text = %q", text.String())
	}
	if md == nil || md.Metrics.PromptTokens != 5 || md.Metrics.CompletionTokens != 7 {
		t.Errorf("metadata = %+v", md)
	}
}

func TestOpenAIGenerator_QuotaErrorMarksRateLimited(t *testing.T) {
	gen := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	})

	_, err := gen.Generate(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !health.IsOverloadError(err) {
		t.Errorf("error %v should classify as overload", err)
	}
	if !gen.RateLimited() {
		t.Error("generator should report itself rate limited")
	}
}

func TestOpenAIGenerator_AnalyzeSentiment(t *testing.T) {
	gen := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"sentiment_score\":0.5,\"emotion_labels\":[\"calm\"],\"aspects\":{\"tone\":0.2}}"}}]}`)
	})

	sentiment, err := gen.AnalyzeSentiment(context.Background(), "a calm question")
	if err != nil {
		t.Fatalf("AnalyzeSentiment failed: %v", err)
	}
	if sentiment.SentimentScore != 0.5 || len(sentiment.EmotionLabels) != 1 || sentiment.Aspects["tone"] != 0.2 {
		t.Errorf("sentiment = %+v", sentiment)
	}
	if gen.RateLimited() {
		t.Error("successful calls must not mark the generator rate limited")
	}
}
