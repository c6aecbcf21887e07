package apiserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"fluxur-go/internal/common"
	"fluxur-go/internal/middleware"
	"fluxur-go/internal/models"
	"fluxur-go/internal/services"
)

// writeJSONResponse 是一个辅助函数，用于发送 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// 头部已经发出，只能记录
			log.Printf("无法编码 JSON 响应: %v", err)
		}
	}
}

// writeJSONError 是一个辅助函数，用于发送 JSON 格式的错误响应。
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message})
}

// writeServiceError 把服务层的错误映射为 HTTP 状态码。
// 5xx 不向客户端暴露细节。
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("请求处理失败: %v", err)
		writeJSONError(w, http.StatusText(status), status)
		return
	}
	writeJSONError(w, err.Error(), status)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, common.ErrMissingField),
		errors.Is(err, common.ErrInvalidField),
		errors.Is(err, common.ErrNotEnoughMessages):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrLoginTaken), errors.Is(err, common.ErrHandleTaken):
		return http.StatusConflict
	case errors.Is(err, common.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrAccountBlocked),
		errors.Is(err, common.ErrNotAuthorized),
		errors.Is(err, common.ErrConversationBlocked):
		return http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrExternalStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrAICollaborator):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// currentUser 读取令牌对应的用户。被封禁的用户（开发者除外）按 403 拒绝。
func currentUser(w http.ResponseWriter, r *http.Request, identity services.IdentityService) (*models.User, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return nil, false
	}
	user, err := identity.GetUser(r.Context(), userID)
	if errors.Is(err, common.ErrNotFound) {
		writeJSONError(w, "用户不存在", http.StatusUnauthorized)
		return nil, false
	}
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if user.IsBlocked && !identity.IsDeveloperLogin(user.Login) {
		writeServiceError(w, common.ErrAccountBlocked)
		return nil, false
	}
	return user, true
}
