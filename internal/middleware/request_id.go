package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"chatcore/internal/logging"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

// RequestID accepts the caller's request id or assigns a new one, echoes it
// back and stores it in the user context for the pipeline's loggers
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		c.Locals("request_id", id)
		c.Set(RequestIDHeader, id)
		c.SetUserContext(logging.ContextWithRequestID(c.UserContext(), id))

		return c.Next()
	}
}
