package apiserver

import (
	"encoding/json"
	"log"
	"net/http"

	"fluxur-go/internal/auth"
	"fluxur-go/internal/middleware"
	"fluxur-go/internal/models"
	"fluxur-go/internal/services"
)

// AuthHandler 封装了认证相关的 HTTP 处理器方法。
type AuthHandler struct {
	identity       services.IdentityService
	conversations  services.ConversationService
	TokenBlacklist auth.TokenBlacklist
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(identity services.IdentityService, conversations services.ConversationService, tokenBlacklist auth.TokenBlacklist) *AuthHandler {
	return &AuthHandler{
		identity:       identity,
		conversations:  conversations,
		TokenBlacklist: tokenBlacklist,
	}
}

// RegisterRequest 是用户注册请求的结构体。
type RegisterRequest struct {
	Name     string `json:"name"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

// LoginRequest 是用户登录请求的结构体。
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// LoginResponse 是注册或登录成功后返回的结构体。
type LoginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
}

// Register 处理用户注册请求。注册成功即视为登录，直接返回令牌。
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	user, err := h.identity.Register(r.Context(), req.Name, req.Login, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	token, err := h.identity.IssueToken(user)
	if err != nil {
		log.Printf("为新用户 %s 签发令牌失败: %v", user.ID, err)
		writeJSONError(w, "注册失败", http.StatusInternalServerError)
		return
	}
	h.ensureAIConversation(r, user)
	writeJSONResponse(w, http.StatusCreated, LoginResponse{Token: token, User: user})
}

// Login 处理用户登录请求。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	token, user, err := h.identity.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.ensureAIConversation(r, user)
	writeJSONResponse(w, http.StatusOK, LoginResponse{Token: token, User: user})
}

// LogoutHandler 处理用户登出请求，将当前 Token 加入黑名单。
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证或无法解析用户声明", http.StatusUnauthorized)
		return
	}

	if claims.ID == "" {
		writeJSONError(w, "Token 缺少 JTI，无法执行登出", http.StatusInternalServerError)
		return
	}
	if claims.ExpiresAt == nil {
		writeJSONError(w, "Token 缺少过期时间，无法执行登出", http.StatusInternalServerError)
		return
	}

	if err := h.TokenBlacklist.Add(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		log.Printf("将 Token 加入黑名单失败: %v", err)
		writeJSONError(w, "登出过程中发生内部错误", http.StatusInternalServerError)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "登出成功"})
}

// ensureAIConversation 在登录后准备用户的 AI 会话。失败不影响登录，下次登录会重试。
func (h *AuthHandler) ensureAIConversation(r *http.Request, user *models.User) {
	if _, created, err := h.conversations.EnsureAIConversation(r.Context(), user); err != nil {
		log.Printf("为用户 %s 创建 AI 会话失败: %v", user.ID, err)
	} else if created {
		log.Printf("已为用户 %s 创建 AI 会话", user.ID)
	}
}
