package handlers

import (
	"github.com/gofiber/fiber/v2"

	"chatcore/internal/middleware"
)

// TestUserID is the identity used by the test endpoint
const TestUserID = "test_user_123"

// RegisterChatRoutes mounts the chat endpoints. Every chat query passes the
// admission gate; the status endpoint does not count against the window.
func RegisterChatRoutes(router fiber.Router, pipeline ChatPipeline, enableTestEndpoint bool) {
	chat := NewChatHandler(pipeline)
	gate := middleware.Admission(pipeline)

	router.Get("/chat/limit/status", middleware.RequireUserID(), chat.LimitStatus)
	router.Get("/chat/:query", middleware.RequireUserID(), gate, chat.Chat)
	router.Post("/chat", middleware.RequireUserID(), gate, chat.ChatPost)

	if enableTestEndpoint {
		router.Get("/test/chat/:query", middleware.FixedUserID(TestUserID), gate, chat.Chat)
	}
}
