package health

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// overloadPatterns are the markers an upstream error description carries when the
// generator backend is out of quota or overloaded
var overloadPatterns = []string{
	"429",
	"quota",
	"rate limit",
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
	"rate_limit_exceeded",
}

// IsQuotaError detects if a status code / response body pair is related to quota exhaustion or rate limiting
func IsQuotaError(statusCode int, responseBody string) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}

	lowerBody := strings.ToLower(responseBody)
	for _, pattern := range overloadPatterns {
		if strings.Contains(lowerBody, pattern) {
			return true
		}
	}

	return false
}

// IsOverloadError reports whether err signals upstream exhaustion.
// Typed API errors are checked by status code first, then the description is scanned for markers.
func IsOverloadError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && IsQuotaError(apiErr.HTTPStatusCode, apiErr.Message) {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}

	return IsQuotaError(0, err.Error())
}
