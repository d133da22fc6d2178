package answer

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	aiService "github.com/zhouzirui/markchat/backend/internal/service/ai"
	"github.com/zhouzirui/markchat/backend/pkg/utils"
)

// Path is where the answering endpoint is mounted.
const Path = "/chat"

const defaultSession = "default"

// Answerer produces a reply for a question within a session.
type Answerer interface {
	Answer(ctx context.Context, sessionID, question string) (string, error)
}

// Handler 参考问答后端的HTTP处理器
type Handler struct {
	answerer Answerer
}

// New 创建问答处理器
func New(answerer Answerer) *Handler {
	return &Handler{answerer: answerer}
}

// RegisterRoutes 注册问答路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(Path, h.handleChat)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	// UserID is accepted from older relays that sent it instead of session_id.
	UserID   string `json:"user_id"`
	Question string `json:"question"`
}

// handleChat 返回 {"answer": "..."}
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Question) == "" {
		utils.RespondError(w, http.StatusBadRequest, "question is required")
		return
	}

	sessionID := firstNonEmpty(payload.SessionID, payload.UserID, defaultSession)
	answer, err := h.answerer.Answer(r.Context(), sessionID, payload.Question)
	if err != nil {
		if errors.Is(err, aiService.ErrEmptyQuestion) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[answer] ❌ session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusBadGateway, "model request failed")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
