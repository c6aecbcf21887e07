package apiserver

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fluxur-go/internal/models"
	"fluxur-go/internal/services"
)

// ModerationHandler 封装了封禁相关的 HTTP 处理器方法。
type ModerationHandler struct {
	identity   services.IdentityService
	moderation services.ModerationService
}

// NewModerationHandler 创建一个新的 ModerationHandler 实例。
func NewModerationHandler(identity services.IdentityService, moderation services.ModerationService) *ModerationHandler {
	return &ModerationHandler{identity: identity, moderation: moderation}
}

// BanRequest 是在会话中封禁成员的请求。
// Duration 为 "day"、"week"、"year" 之一；也可以用 Seconds 指定任意时长。
type BanRequest struct {
	UserID   string `json:"userId"`
	Duration string `json:"duration,omitempty"`
	Seconds  int64  `json:"seconds,omitempty"`
}

// PremiumRequest 设置用户的会员状态，status 为 "none"、"pending" 或 "active"。
type PremiumRequest struct {
	Status models.PremiumStatus `json:"status"`
}

// BlockConversationRequest 是封禁会话的请求。
type BlockConversationRequest struct {
	Permanent bool `json:"permanent"`
}

// 超过该值的秒数换算成 time.Duration 会溢出。
const maxBanSeconds = math.MaxInt64 / int64(time.Second)

var banPresets = map[string]time.Duration{
	"day":  models.BanDay,
	"week": models.BanWeek,
	"year": models.BanYear,
}

// ToggleUserBlockHandler 翻转用户的封禁状态。
func (h *ModerationHandler) ToggleUserBlockHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	blocked, err := h.moderation.ToggleUserBlock(r.Context(), actor, mux.Vars(r)["userID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"blocked": blocked})
}

// SetPremiumHandler 批准或拒绝用户的高级会员申请。
func (h *ModerationHandler) SetPremiumHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	var req PremiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	user, err := h.moderation.SetPremium(r.Context(), actor, mux.Vars(r)["userID"], req.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, user)
}

// BanParticipantHandler 在会话中限时封禁一个成员。
func (h *ModerationHandler) BanParticipantHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.Seconds < 0 || req.Seconds > maxBanSeconds {
		writeJSONError(w, fmt.Sprintf("封禁时长必须在 0 到 %d 秒之间", maxBanSeconds), http.StatusBadRequest)
		return
	}
	duration := time.Duration(req.Seconds) * time.Second
	if req.Duration != "" {
		preset, ok := banPresets[req.Duration]
		if !ok {
			writeJSONError(w, "未知的封禁时长: "+req.Duration, http.StatusBadRequest)
			return
		}
		duration = preset
	}

	expiry, err := h.moderation.BanParticipant(r.Context(), actor, mux.Vars(r)["conversationID"], req.UserID, duration)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int64{"expiresAt": expiry.UnixMilli()})
}

// UnbanParticipantHandler 解除成员的封禁。
func (h *ModerationHandler) UnbanParticipantHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.moderation.UnbanParticipant(r.Context(), actor, vars["conversationID"], vars["userID"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockConversationHandler 封禁会话。permanent=true 的封禁不能解除。
func (h *ModerationHandler) BlockConversationHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	var req BlockConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "请求体无效", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
	}

	conv, err := h.moderation.BlockConversation(r.Context(), actor, mux.Vars(r)["conversationID"], req.Permanent)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, conv)
}

// UnblockConversationHandler 解除会话封禁。
func (h *ModerationHandler) UnblockConversationHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	conv, err := h.moderation.UnblockConversation(r.Context(), actor, mux.Vars(r)["conversationID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, conv)
}

// ModeratedConversationsHandler 返回管理面板中的全部会话。
func (h *ModerationHandler) ModeratedConversationsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	convs, err := h.moderation.ModeratedConversations(actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, convs)
}
