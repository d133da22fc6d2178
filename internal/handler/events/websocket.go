package events

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/markchat/backend/internal/model/chat"
)

const (
	pingInterval = 54 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Subscriber streams conversation events; *chat.Service implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan chat.Event, func(), error)
}

// WebSocketHandler 把会话事件推送给浏览器
type WebSocketHandler struct {
	events   Subscriber
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建事件推送处理器
func NewWebSocketHandler(events Subscriber) *WebSocketHandler {
	return &WebSocketHandler{
		events: events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册事件路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{conversationID}/events", h.handleWebSocket)
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe, err := h.events.Subscribe(ctx, conversationID)
	if err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[events] new connection for conversation: %s", conversationID)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.readLoop(conn, cancel)
	h.writeLoop(ctx, conn, events)

	log.Printf("[events] closing connection for conversation: %s", conversationID)
}

// readLoop drains client frames so control messages are processed; the
// connection is done once reading fails.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[events] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

// writeLoop is the only writer on conn.
func (h *WebSocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan chat.Event) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Conversation deleted.
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[events] write failed: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
