package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestIsOverloadError_Markers(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("googleapi: Error 429: too busy"), true},
		{errors.New("Quota exceeded for project"), true},
		{errors.New("hit the Rate Limit"), true},
		{errors.New("RESOURCE EXHAUSTED: try later"), true},
		{errors.New("connection reset by peer"), false},
		{fmt.Errorf("stream: %w", errors.New("resource exhausted")), true},
		{context.DeadlineExceeded, false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsOverloadError(tt.err); got != tt.want {
			t.Errorf("IsOverloadError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsOverloadError_TypedAPIError(t *testing.T) {
	apiErr := &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}
	if !IsOverloadError(fmt.Errorf("open stream: %w", apiErr)) {
		t.Error("expected 429 APIError to be classified as overload")
	}

	badRequest := &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "invalid model"}
	if IsOverloadError(badRequest) {
		t.Error("expected 400 APIError not to be classified as overload")
	}
}

func TestCooldown_ExpiresAndNeverShortens(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCooldown("generator")
	c.now = func() time.Time { return now }

	if c.IsInCooldown() {
		t.Fatal("new cooldown should be inactive")
	}

	c.SetCooldown(120 * time.Second)
	c.SetCooldown(60 * time.Second)
	if got := c.Remaining(); got != 120*time.Second {
		t.Errorf("Expected escalated cooldown to be kept, remaining %v", got)
	}

	now = now.Add(121 * time.Second)
	if c.IsInCooldown() {
		t.Error("cooldown should have expired")
	}
}
