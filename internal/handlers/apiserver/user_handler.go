package apiserver

import (
	"encoding/json"
	"net/http"

	"fluxur-go/internal/services"
)

// UserHandler 封装了用户相关的 HTTP 处理器方法。
type UserHandler struct {
	identity services.IdentityService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(identity services.IdentityService) *UserHandler {
	return &UserHandler{identity: identity}
}

// GetMyProfileHandler 处理获取当前登录用户信息的请求。
func (h *UserHandler) GetMyProfileHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, user)
}

// UpdateMyProfileHandler 处理更新当前登录用户信息的请求。只修改请求中出现的字段。
func (h *UserHandler) UpdateMyProfileHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}

	var req services.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	updated, err := h.identity.UpdateProfile(r.Context(), user.ID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, updated)
}

// ListUsersHandler 返回全部用户，仅管理员和开发者可用。
func (h *UserHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.identity)
	if !ok {
		return
	}
	if !user.IsPrivileged() {
		writeJSONError(w, "无权查看用户列表", http.StatusForbidden)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.identity.ListUsers(r.Context()))
}
