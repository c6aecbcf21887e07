package chatserver

import (
	"log"
	"net/http"

	"fluxur-go/internal/auth"
	"fluxur-go/internal/config"
	ws "fluxur-go/internal/websocket"
)

// WebSocketHandler 负责处理 WebSocket 连接请求。
type WebSocketHandler struct {
	server    *ws.Server
	blacklist auth.TokenBlacklist
	cfg       config.Config // 用于获取 Auth 配置
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。blacklist 可以为 nil。
func NewWebSocketHandler(server *ws.Server, blacklist auth.TokenBlacklist, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		server:    server,
		blacklist: blacklist,
		cfg:       cfg,
	}
}

// ServeWS 处理传入的 WebSocket 请求。
// 令牌通过 token 查询参数传入，浏览器的 WebSocket API 无法设置 Authorization 头。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		log.Println("WebSocket 连接尝试失败：缺少令牌")
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ValidateToken(r.Context(), token, h.cfg.Auth.JWTSecretKey, h.blacklist)
	if err != nil {
		log.Printf("WebSocket 连接尝试失败：令牌无效: %v", err)
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}
	log.Printf("用户 %s (ID: %s) 尝试连接 WebSocket", claims.Login, claims.UserID)

	h.server.ServeWs(w, r, claims.UserID, token)
}
