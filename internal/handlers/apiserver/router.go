package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"fluxur-go/internal/middleware"
)

// Handlers 汇总 API 服务器的全部处理器。Upload 可以为 nil。
type Handlers struct {
	Auth         *AuthHandler
	User         *UserHandler
	Conversation *ConversationHandler
	Moderation   *ModerationHandler
	Upload       *UploadHandler
	JWTSecretKey string
}

// NewRouter 注册全部 API 路由。
func NewRouter(h Handlers) *mux.Router {
	r := mux.NewRouter()

	// 认证路由
	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/register", h.Auth.Register).Methods(http.MethodPost)
	authRouter.HandleFunc("/login", h.Auth.Login).Methods(http.MethodPost)

	// API 子路由 (需要认证)
	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware(h.JWTSecretKey, h.Auth.TokenBlacklist))

	apiRouter.HandleFunc("/auth/logout", h.Auth.LogoutHandler).Methods(http.MethodPost)

	// 用户路由
	apiRouter.HandleFunc("/users/me", h.User.GetMyProfileHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/users/me", h.User.UpdateMyProfileHandler).Methods(http.MethodPut)
	apiRouter.HandleFunc("/users", h.User.ListUsersHandler).Methods(http.MethodGet)

	// 会话路由
	apiRouter.HandleFunc("/conversations", h.Conversation.GetUserConversationsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations", h.Conversation.CreateConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/direct", h.Conversation.StartDirectHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID}", h.Conversation.DeleteConversationHandler).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/conversations/{conversationID}/join", h.Conversation.JoinChannelHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID}/messages", h.Conversation.GetConversationMessagesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{conversationID}/messages", h.Conversation.SendMessageHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID}/summary", h.Conversation.SummaryHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID}/suggestion", h.Conversation.SuggestionHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID}/calls", h.Conversation.LogCallHandler).Methods(http.MethodPost)

	// 管理路由，权限由服务层判断
	adminRouter := apiRouter.PathPrefix("/admin").Subrouter()
	adminRouter.HandleFunc("/users/{userID}/block", h.Moderation.ToggleUserBlockHandler).Methods(http.MethodPost)
	adminRouter.HandleFunc("/users/{userID}/premium", h.Moderation.SetPremiumHandler).Methods(http.MethodPost)
	adminRouter.HandleFunc("/conversations", h.Moderation.ModeratedConversationsHandler).Methods(http.MethodGet)
	adminRouter.HandleFunc("/conversations/{conversationID}/bans", h.Moderation.BanParticipantHandler).Methods(http.MethodPost)
	adminRouter.HandleFunc("/conversations/{conversationID}/bans/{userID}", h.Moderation.UnbanParticipantHandler).Methods(http.MethodDelete)
	adminRouter.HandleFunc("/conversations/{conversationID}/block", h.Moderation.BlockConversationHandler).Methods(http.MethodPost)
	adminRouter.HandleFunc("/conversations/{conversationID}/block", h.Moderation.UnblockConversationHandler).Methods(http.MethodDelete)

	// 文件上传路由
	if h.Upload != nil {
		apiRouter.HandleFunc("/upload", h.Upload.UploadFileHandler).Methods(http.MethodPost)
	}
	return r
}
