package handlers

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"chatcore/internal/logging"
	"chatcore/internal/models"
	"chatcore/internal/services"
)

const wsReadTimeout = 120 * time.Second

// ClientMessage is a frame sent by the client
type ClientMessage struct {
	Type  string `json:"type"` // "chat" or "ping"
	Query string `json:"query,omitempty"`
}

// ServerMessage is a frame sent to the client
type ServerMessage struct {
	Type       string               `json:"type"` // connected, sentence, done, error, pong
	Content    string               `json:"content,omitempty"`
	Response   *models.ChatResponse `json:"response,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Message    string               `json:"message,omitempty"`
	RetryAfter int                  `json:"retry_after,omitempty"`
}

// ChatWebSocketHandler streams each cleaned sentence as soon as the pipeline produces it
type ChatWebSocketHandler struct {
	pipeline ChatPipeline
}

// NewChatWebSocketHandler creates a new streaming chat handler
func NewChatWebSocketHandler(pipeline ChatPipeline) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{pipeline: pipeline}
}

type wsConn struct {
	conn   *websocket.Conn
	connID string
	userID string
	mu     sync.Mutex
}

func (w *wsConn) send(msg ServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

// Handle serves one WebSocket connection. One query is processed at a time.
func (h *ChatWebSocketHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	conn := &wsConn{conn: c, connID: uuid.NewString(), userID: userID}

	done := make(chan struct{})
	defer close(done)

	c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go h.pingLoop(conn, done)

	log.Printf("🔗 [WS] Connection %s opened for %s", conn.connID, userID)
	defer log.Printf("🔌 [WS] Connection %s closed", conn.connID)

	if err := conn.send(ServerMessage{Type: "connected", Content: "Ready to receive queries."}); err != nil {
		return
	}

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		c.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			conn.send(ServerMessage{Type: "error", ErrorCode: "invalid_format", Message: "Invalid message format"})
			continue
		}

		switch msg.Type {
		case "ping":
			conn.send(ServerMessage{Type: "pong"})
		case "chat":
			if err := h.handleChat(conn, msg.Query); err != nil {
				log.Printf("❌ [WS] Write failed on %s: %v", conn.connID, err)
				return
			}
		default:
			conn.send(ServerMessage{Type: "error", ErrorCode: "unknown_type", Message: "Unknown message type"})
		}
	}
}

func (h *ChatWebSocketHandler) handleChat(conn *wsConn, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return conn.send(ServerMessage{Type: "error", ErrorCode: "invalid_query", Message: "Query is required"})
	}

	ctx := logging.ContextWithRequestID(context.Background(), uuid.NewString())

	res := h.pipeline.Admit(ctx, conn.userID)
	if refusal := services.RefusalFromAdmit(res); refusal != nil {
		return conn.send(ServerMessage{
			Type:       "error",
			ErrorCode:  string(refusal.Kind),
			Message:    refusal.Message,
			RetryAfter: res.RetryAfterSeconds(),
		})
	}

	var writeErr error
	resp, err := h.pipeline.ProcessStream(ctx, query, conn.userID, func(sentence string) {
		if writeErr == nil {
			writeErr = conn.send(ServerMessage{Type: "sentence", Content: sentence})
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		log.Printf("❌ [WS] Query failed for %s: %v", conn.userID, err)
		return conn.send(ServerMessage{Type: "error", ErrorCode: "internal", Message: "An unexpected error occurred. Please try again."})
	}

	return conn.send(ServerMessage{Type: "done", Response: resp})
}

// pingLoop keeps idle connections alive
func (h *ChatWebSocketHandler) pingLoop(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.mu.Lock()
			err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			conn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
