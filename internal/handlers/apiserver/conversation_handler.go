package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fluxur-go/internal/common"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/models"
	"fluxur-go/internal/services"
	"fluxur-go/internal/visibility"
)

// AI 回复在请求返回后继续执行的超时时间。
const replyTimeout = 2 * time.Minute

// ConversationHandler 封装了会话相关的 HTTP 处理器方法。
type ConversationHandler struct {
	identity      services.IdentityService
	conversations services.ConversationService
	assistant     services.AssistantService // 可以为 nil
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(identity services.IdentityService, conversations services.ConversationService, assistant services.AssistantService) *ConversationHandler {
	return &ConversationHandler{
		identity:      identity,
		conversations: conversations,
		assistant:     assistant,
	}
}

// CreateConversationRequest 是创建群组或频道的请求。
type CreateConversationRequest struct {
	Name   string                  `json:"name"`
	Type   models.ConversationType `json:"type"`
	Handle string                  `json:"handle,omitempty"`
}

// StartDirectRequest 是发起私聊的请求。
type StartDirectRequest struct {
	PeerID string `json:"peerId"`
}

// SendMessageRequest 是发送消息的请求。file 通常来自 /upload 的返回值。
type SendMessageRequest struct {
	Text string                 `json:"text"`
	File *models.FileAttachment `json:"file,omitempty"`
}

// LogCallRequest 是记录通话的请求。
type LogCallRequest struct {
	DurationSeconds int `json:"durationSeconds"`
}

// GetUserConversationsHandler 获取当前用户可见的会话列表，支持 ?q= 按名称或 handle 搜索。
func (h *ConversationHandler) GetUserConversationsHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	convs := h.conversations.Visible(viewer, r.URL.Query().Get("q"))
	result := make([]imtypes.ConversationView, 0, len(convs))
	for _, c := range convs {
		result = append(result, h.view(r.Context(), viewer, c))
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// CreateConversationHandler 创建群组或频道。
func (h *ConversationHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	conv, err := h.conversations.CreateConversation(r.Context(), viewer, req.Name, req.Type, req.Handle)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, h.view(r.Context(), viewer, conv))
}

// StartDirectHandler 创建或返回与 peerId 的私聊。
func (h *ConversationHandler) StartDirectHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	var req StartDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	conv, err := h.conversations.StartDirect(r.Context(), viewer, req.PeerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.view(r.Context(), viewer, conv))
}

// JoinChannelHandler 加入一个频道。
func (h *ConversationHandler) JoinChannelHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	conv, err := h.conversations.JoinChannel(r.Context(), viewer, mux.Vars(r)["conversationID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.view(r.Context(), viewer, conv))
}

// DeleteConversationHandler 删除会话，仅创建者、管理员和开发者可用。
func (h *ConversationHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	if err := h.conversations.DeleteConversation(r.Context(), viewer, mux.Vars(r)["conversationID"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetConversationMessagesHandler 返回会话中的消息，支持 ?q= 搜索。
func (h *ConversationHandler) GetConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	msgs, err := h.conversations.Messages(r.Context(), viewer, mux.Vars(r)["conversationID"], r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, msgs)
}

// SendMessageHandler 发送一条消息。AI 会话中助手的回复在后台写入同一会话。
func (h *ConversationHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	convID := mux.Vars(r)["conversationID"]
	msg, err := h.conversations.AppendMessage(r.Context(), convID, viewer, models.Message{Text: req.Text, File: req.File})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if conv, err := h.conversations.Get(r.Context(), convID); err == nil && conv.Type == models.ConversationAI && h.assistant != nil {
		go h.reply(context.WithoutCancel(r.Context()), convID)
	}
	writeJSONResponse(w, http.StatusCreated, msg)
}

func (h *ConversationHandler) reply(ctx context.Context, convID string) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if _, err := h.assistant.Reply(ctx, convID); err != nil && !errors.Is(err, common.ErrNotFound) && !services.IsSilent(err) {
		log.Printf("会话 %s 的 AI 回复失败: %v", convID, err)
	}
}

// SummaryHandler 总结会话。会话至少需要两条消息。
func (h *ConversationHandler) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	if h.assistant == nil {
		writeServiceError(w, common.ErrAICollaborator)
		return
	}
	summary, err := h.assistant.Summarize(r.Context(), viewer, mux.Vars(r)["conversationID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"summary": summary})
}

// SuggestionHandler 根据最近的消息生成一条建议回复。
func (h *ConversationHandler) SuggestionHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	if h.assistant == nil {
		writeServiceError(w, common.ErrAICollaborator)
		return
	}
	suggestion, err := h.assistant.SuggestReply(r.Context(), viewer, mux.Vars(r)["conversationID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"suggestion": suggestion})
}

// LogCallHandler 在会话中记录一次通话。
func (h *ConversationHandler) LogCallHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	var req LogCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.DurationSeconds < 0 {
		writeJSONError(w, "通话时长不能为负数", http.StatusBadRequest)
		return
	}

	msg, err := h.conversations.LogCall(r.Context(), mux.Vars(r)["conversationID"], viewer, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, msg)
}

func (h *ConversationHandler) view(ctx context.Context, viewer *models.User, c *models.Conversation) imtypes.ConversationView {
	lookup := func(id string) (*models.User, bool) {
		u, err := h.identity.GetUser(ctx, id)
		return u, err == nil
	}
	return imtypes.ConversationView{
		ID:                   c.ID,
		Name:                 visibility.DisplayName(viewer, c, lookup),
		Handle:               c.Handle,
		Type:                 c.Type,
		Participants:         visibility.Participants(c, time.Now()),
		CreatorID:            c.CreatorID,
		IsBlocked:            c.IsBlocked,
		IsPermanentlyBlocked: c.IsPermanentlyBlocked,
		LastMessage:          c.LastMessage,
		UpdatedAt:            c.UpdatedAt,
	}
}
