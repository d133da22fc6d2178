package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/markchat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/markchat/backend/internal/service/chat"
	"github.com/zhouzirui/markchat/backend/internal/service/ingest"
	"github.com/zhouzirui/markchat/backend/pkg/utils"
)

// Sender starts and cancels sends; *ingest.Engine implements it.
type Sender interface {
	Start(ctx context.Context, conversationID, text string, settings ingest.Settings) error
	Cancel(conversationID string) bool
}

// Handler 会话管理与发送的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	sender  Sender
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, sender Sender) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		sender:  sender,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", h.handleCreateConversation)
		r.Get("/", h.handleListConversations)
		r.Delete("/", h.handleClearAll)

		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.handleGetConversation)
			r.Patch("/", h.handleRenameConversation)
			r.Delete("/", h.handleDeleteConversation)

			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleSendMessage)
			r.Delete("/messages", h.handleClearMessages)
			r.Delete("/messages/{messageID}", h.handleDeleteMessage)

			r.Post("/cancel", h.handleCancel)
		})
	})
}

type conversationDetail struct {
	Conversation chat.Conversation `json:"conversation"`
	Messages     []chat.Message    `json:"messages"`
	Status       chat.Status       `json:"status"`
	Error        string            `json:"error,omitempty"`
}

// handleCreateConversation 创建会话
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.chatSvc.CreateConversation(r.Context(), payload.Title)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.chatSvc.ListConversations(r.Context()))
}

// handleGetConversation 返回会话、消息以及发送状态
func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	conv, err := h.chatSvc.GetConversation(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	messages, err := h.chatSvc.Messages(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	status, lastErr, err := h.chatSvc.Status(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, conversationDetail{
		Conversation: conv,
		Messages:     messages,
		Status:       status,
		Error:        lastErr,
	})
}

func (h *Handler) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.chatSvc.RenameConversation(r.Context(), chi.URLParam(r, "conversationID"), payload.Title)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

// handleClearAll 清空全部会话及其存储
func (h *Handler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.ClearAll(r.Context()); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondNoContent(w)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	h.sender.Cancel(id)

	if err := h.chatSvc.DeleteConversation(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondNoContent(w)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.Messages(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.ClearMessages(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondNoContent(w)
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := h.chatSvc.DeleteMessage(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondNoContent(w)
}

// handleSendMessage 校验后在后台发送，进度通过事件流推送
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content     string   `json:"content"`
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "conversationID")
	settings := ingest.Settings{Model: payload.Model, Temperature: payload.Temperature}
	if err := h.sender.Start(r.Context(), id, payload.Content, settings); err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": string(chat.StatusStreaming)})
}

// handleCancel 取消正在进行的发送
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.sender.Cancel(chi.URLParam(r, "conversationID")) {
		utils.RespondError(w, http.StatusNotFound, "no send in flight")
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

// respondServiceError 把服务层错误映射为HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatService.ErrConversationNotFound), errors.Is(err, chatService.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chatService.ErrTitleRequired), errors.Is(err, chatService.ErrInvalidRole), errors.Is(err, ingest.ErrEmptyInput):
		status = http.StatusBadRequest
	case errors.Is(err, chatService.ErrSendInFlight):
		status = http.StatusConflict
	}
	utils.RespondError(w, status, err.Error())
}
