package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"fluxur-go/internal/bootstrap"
	"fluxur-go/internal/config"
	"fluxur-go/internal/handlers/apiserver"
	"fluxur-go/internal/logging"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig(os.Getenv("FLUXUR_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("API 服务器配置加载成功。")
	logger := logging.New(cfg.LogLevel).With("app", "apiserver")

	// 2. 初始化存储与服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("无法初始化 API 服务器: %v", err)
	}
	defer stack.Close()
	log.Println("副本存储和凭据库初始化成功。")

	// 3. 初始化 Handlers 和路由
	r := apiserver.NewRouter(apiserver.Handlers{
		Auth:         apiserver.NewAuthHandler(stack.Identity, stack.Conversations, stack.Blacklist),
		User:         apiserver.NewUserHandler(stack.Identity),
		Conversation: apiserver.NewConversationHandler(stack.Identity, stack.Conversations, stack.Assistant),
		Moderation:   apiserver.NewModerationHandler(stack.Identity, stack.Moderation),
		Upload:       apiserver.NewUploadHandler(stack.Files, cfg.Storage),
		JWTSecretKey: cfg.Auth.JWTSecretKey,
	})

	// 本地附件的静态文件服务
	if cfg.Storage.Type == "local" {
		staticPath := bootstrap.UploadsBaseURL + "/"
		r.PathPrefix(staticPath).Handler(http.StripPrefix(staticPath, http.FileServer(http.Dir(cfg.Storage.LocalPath))))
		log.Printf("提供静态文件服务于 %s -> %s", staticPath, cfg.Storage.LocalPath)
	}

	// 4. CORS
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}

	// 5. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handlers.CORS(corsOptions...)(r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("API 服务器启动于 %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API 服务器启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("收到关闭信号，正在关闭 API 服务器...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Printf("API 服务器强制关闭: %v", err)
	}
	log.Println("API 服务器已成功关闭")
}
