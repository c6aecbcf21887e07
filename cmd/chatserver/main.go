package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"fluxur-go/internal/assistant"
	"fluxur-go/internal/bootstrap"
	"fluxur-go/internal/config"
	"fluxur-go/internal/handlers/chatserver"
	appKafka "fluxur-go/internal/kafka"
	kafkahandlers "fluxur-go/internal/kafka/handlers"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/session"
	"fluxur-go/internal/websocket"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig(os.Getenv("FLUXUR_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("Chat 服务器配置加载成功。")
	logger := logging.New(cfg.LogLevel).With("app", "chatserver")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 初始化存储与服务
	stack, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("无法初始化 Chat 服务器: %v", err)
	}
	defer stack.Close()

	// 3. 初始化 WebSocket Hub，投影的每次变更都推送给相关连接
	hub := websocket.NewHub()
	stack.Projection.OnChange(hub.Notify)
	go hub.Run(ctx)
	log.Println("WebSocket Hub 已启动。")

	// 4. 会话工厂
	var voice *assistant.VoiceDialer
	if cfg.Assistant.APIKey != "" && cfg.Assistant.RealtimeURL != "" {
		voice = assistant.NewVoiceDialer(cfg.Assistant)
	}
	var snapshots session.SnapshotStore
	if stack.Cache != nil {
		snapshots = stack.Cache
	}
	factory := func(userID string, onNotice func(session.Notice)) *session.Controller {
		return session.NewController(session.Deps{
			Identity:      stack.Identity,
			Conversations: stack.Conversations,
			Assistant:     stack.Assistant,
			Voice:         voice,
			Snapshots:     snapshots,
			SnapshotKey:   "session:" + userID,
			OnNotice:      onNotice,
			Log:           logger,
		})
	}
	server := websocket.NewServer(hub, cfg.WebSocket, factory, stack.Projection.User)
	wsHandler := chatserver.NewWebSocketHandler(server, stack.Blacklist, cfg)

	// 5. 消费其他进程转发的变更事件。每个实例使用独立的消费组，才能收到全部变更。
	var consumers sync.WaitGroup
	if cfg.Kafka.Enabled {
		groupID := fmt.Sprintf("%s-%s", cfg.Kafka.ConsumerGroup, uuid.NewString()[:8])
		consumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka, groupID)
		if err != nil {
			log.Fatalf("无法创建 Kafka 消费者: %v", err)
		}
		defer consumer.Close()

		handler := kafkahandlers.NewChangeEventHandler(stack.Projection)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			log.Printf("Kafka 变更事件消费者启动，topic: %s, GroupID: %s", cfg.Kafka.EventsTopic, groupID)
			if err := consumer.Consume(ctx, []string{cfg.Kafka.EventsTopic}, handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Kafka 变更事件消费者错误: %v", err)
			}
			log.Println("Kafka 变更事件消费者 goroutine 已停止。")
		}()
	}

	// 6. 配置 HTTP 服务器路由
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WebSocketPath, wsHandler.ServeWS)

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        mux,
		ReadTimeout:    cfg.Server.ReadTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Printf("Chat HTTP 服务器启动于 %s, WebSocket 路径: %s", serverAddr, cfg.Server.WebSocketPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Chat 服务器启动失败: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Chat 服务器准备关闭...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Printf("Chat 服务器关闭失败: %v", err)
	}

	// 停止 Hub 会关闭所有连接的发送队列
	cancel()
	log.Println("正在等待 Kafka 消费者停止...")
	consumers.Wait()
	log.Println("Chat 服务器已优雅关闭。")
}
