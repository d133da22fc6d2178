package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	relayService "github.com/zhouzirui/markchat/backend/internal/service/relay"
	"github.com/zhouzirui/markchat/backend/pkg/utils"
)

// Path is where the relay is mounted.
const Path = "/chat-proxy"

// SessionHeader carries an optional caller-supplied session id.
const SessionHeader = "x-session-id"

// Handler 把对话历史中继到问答后端，并以原始文本流返回答案
type Handler struct {
	relay *relayService.Service
}

// New 创建中继处理器
func New(relay *relayService.Service) *Handler {
	return &Handler{relay: relay}
}

// RegisterRoutes 注册中继路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(Path, h.handleRelay)
	r.Get(Path, h.handleDescribe)
}

// proxyRequest accepts the client's settings; only the history is used.
type proxyRequest struct {
	Messages    []relayService.Message `json:"messages"`
	Model       string                 `json:"model,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
}

// handleRelay 始终返回 200；失败以 "❌" 开头的文本写入流中
func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	var payload proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.StreamText(w, relayService.FormatFailure(err), h.relay.ChunkSize())
		return
	}

	answer := h.relay.Relay(r.Context(), payload.Messages, r.Header.Get(SessionHeader))
	utils.StreamText(w, answer, h.relay.ChunkSize())
}

// handleDescribe 返回中继配置，仅用于诊断
func (h *Handler) handleDescribe(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.relay.Describe(Path))
}
