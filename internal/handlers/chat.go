package handlers

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"chatcore/internal/middleware"
	"chatcore/internal/models"
	"chatcore/internal/services"
)

// ChatPipeline is the surface of the response pipeline the HTTP layer uses
type ChatPipeline interface {
	middleware.Admitter
	Process(ctx context.Context, query, userID string) (*models.ChatResponse, error)
	ProcessStream(ctx context.Context, query, userID string, emit func(string)) (*models.ChatResponse, error)
	LimitStatus(ctx context.Context, userID string) models.RateLimitStatus
}

// ChatRequest is the POST /chat body
type ChatRequest struct {
	Query string `json:"query" validate:"required,max=4000"`
}

// ChatHandler serves chat queries. Admission is enforced by middleware.Admission.
type ChatHandler struct {
	pipeline ChatPipeline
	validate *validator.Validate
}

// NewChatHandler creates a new chat handler
func NewChatHandler(pipeline ChatPipeline) *ChatHandler {
	return &ChatHandler{
		pipeline: pipeline,
		validate: validator.New(),
	}
}

// Chat handles GET /chat/:query
func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	query, err := url.PathUnescape(c.Params("query"))
	if err != nil || strings.TrimSpace(query) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	return h.process(c, query)
}

// ChatPost handles POST /chat
func (h *ChatHandler) ChatPost(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.Query = strings.TrimSpace(req.Query)
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request",
			"details": err.Error(),
		})
	}
	return h.process(c, req.Query)
}

func (h *ChatHandler) process(c *fiber.Ctx, query string) error {
	userID := middleware.UserID(c)
	testMode := middleware.IsTestMode(c)
	start := time.Now()

	log.Printf("💬 [CHAT] Request from %s (query length %d)", userID, len(query))

	resp, err := h.pipeline.Process(c.UserContext(), query, userID)
	if err != nil {
		return h.respondError(c, err, testMode)
	}

	log.Printf("✅ [CHAT] %s for %s in %.2fs", resp.Outcome, userID, time.Since(start).Seconds())

	if testMode {
		return c.JSON(fiber.Map{
			"response":      resp.Response,
			"timestamp":     resp.Timestamp,
			"user_id":       resp.UserID,
			"response_time": resp.ResponseTime,
			"outcome":       resp.Outcome,
			"test_mode":     true,
			"test_user_id":  userID,
		})
	}
	return c.JSON(resp)
}

// respondError maps failures that escaped the pipeline to status codes
func (h *ChatHandler) respondError(c *fiber.Ctx, err error, testMode bool) error {
	var (
		status int
		body   fiber.Map
	)

	switch {
	case errors.Is(err, services.ErrUpstreamOverload):
		status = fiber.StatusServiceUnavailable
		c.Set(fiber.HeaderRetryAfter, "30")
		body = fiber.Map{
			"error":       "Service temporarily unavailable",
			"message":     "Our service is experiencing high demand. Please try again in a moment.",
			"retry_after": 30,
		}
	case errors.Is(err, services.ErrGenerationTimeout), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusGatewayTimeout
		body = fiber.Map{
			"error":   "Request timeout",
			"message": "Your request took too long to process. Please try a shorter query.",
		}
	default:
		status = fiber.StatusInternalServerError
		body = fiber.Map{
			"error":   "Internal server error",
			"message": "An unexpected error occurred. Please try again.",
		}
	}

	log.Printf("❌ [CHAT] Request failed with %d: %v", status, err)
	if testMode {
		body["test_mode"] = true
	}
	return c.Status(status).JSON(body)
}

// LimitStatus handles GET /chat/limit/status
func (h *ChatHandler) LimitStatus(c *fiber.Ctx) error {
	return c.JSON(h.pipeline.LimitStatus(c.UserContext(), middleware.UserID(c)))
}
