package middleware

import (
	"context"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"chatcore/internal/models"
)

// UserIDHeader identifies the caller
const UserIDHeader = "X-User-ID"

// Admitter decides whether a user's request may proceed
type Admitter interface {
	Admit(ctx context.Context, userID string) models.AdmitResult
}

// RequireUserID rejects requests without an X-User-ID header
func RequireUserID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(UserIDHeader)
		if userID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "X-User-ID header is required",
			})
		}
		c.Locals("user_id", userID)
		return c.Next()
	}
}

// FixedUserID assigns every request to one user; used by the test endpoint
func FixedUserID(userID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		c.Locals("test_mode", true)
		return c.Next()
	}
}

// UserID returns the caller set by RequireUserID or FixedUserID
func UserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

// IsTestMode reports whether the request came through the test endpoint
func IsTestMode(c *fiber.Ctx) bool {
	testMode, _ := c.Locals("test_mode").(bool)
	return testMode
}

// Admission consults the admitter once per request and refuses with 429 or 503.
// An active circuit takes priority over the per-user window.
func Admission(admitter Admitter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := UserID(c)
		res := admitter.Admit(c.UserContext(), userID)
		if res.Allowed {
			return c.Next()
		}

		status, body := RefusalResponse(res, IsTestMode(c))
		log.Printf("🚫 [RATE-LIMIT] Refused %s for user %s with %d", c.Path(), userID, status)
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(res.RetryAfterSeconds()))
		return c.Status(status).JSON(body)
	}
}

// RefusalResponse builds the status code and body for a refused admission
func RefusalResponse(res models.AdmitResult, testMode bool) (int, fiber.Map) {
	var (
		status int
		body   fiber.Map
	)

	if res.CircuitActive {
		status = fiber.StatusServiceUnavailable
		body = fiber.Map{
			"error":       "Service temporarily unavailable",
			"error_code":  "circuit_open",
			"retry_after": res.RetryAfterSeconds(),
			"message":     "Our service is experiencing high demand. Please try again shortly.",
		}
	} else {
		status = fiber.StatusTooManyRequests
		body = fiber.Map{
			"error":       "Rate limit exceeded",
			"error_code":  "rate_limited",
			"retry_after": res.RetryAfterSeconds(),
			"limit":       res.Limit,
			"message":     "Please reduce your request frequency",
		}
	}

	if testMode {
		body["test_mode"] = true
	}
	return status, body
}
