// Package bootstrap 按配置组装两个服务器和管理工具共用的存储与服务。
package bootstrap

import (
	"context"
	"fmt"

	redisDriver "github.com/redis/go-redis/v9"

	"fluxur-go/internal/assistant"
	"fluxur-go/internal/auth"
	"fluxur-go/internal/config"
	"fluxur-go/internal/imtypes"
	appKafka "fluxur-go/internal/kafka"
	"fluxur-go/internal/localcache"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/projection"
	appRedis "fluxur-go/internal/redis"
	"fluxur-go/internal/replica"
	"fluxur-go/internal/services"
	"fluxur-go/internal/storage"
)

// UploadsBaseURL 是本地附件的访问路径前缀。
const UploadsBaseURL = "/uploads"

// Stack 保存一个进程内的全部依赖。
type Stack struct {
	Config config.Config
	Log    logging.Logger

	Redis      *redisDriver.Client // REPLICA.BACKEND=memory 时为 nil
	Store      replica.Store
	Cache      *localcache.Cache // LOCAL_CACHE.PATH 为空时为 nil
	Projection *projection.Projection
	Producer   appKafka.MessageProducer // KAFKA.ENABLED=false 时为 nil
	Files      imtypes.StorageService
	Blacklist  auth.TokenBlacklist

	Writer        *services.RecordWriter
	Identity      services.IdentityService
	Conversations services.ConversationService
	Moderation    services.ModerationService
	Assistant     services.AssistantService

	closers []func()
}

// Open 连接副本存储、凭据库和附件存储，加载投影并创建服务。
// 任何一步失败都会释放已经打开的资源。
func Open(ctx context.Context, cfg config.Config, log logging.Logger) (s *Stack, err error) {
	s = &Stack{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	if err = s.openReplica(ctx); err != nil {
		return s, err
	}

	if cfg.LocalCache.Path != "" {
		s.Cache, err = localcache.Open(cfg.LocalCache.Path)
		if err != nil {
			return s, err
		}
		s.onClose(func() { s.Cache.Close() })
		log.Info(ctx, "本地缓存已打开", "path", cfg.LocalCache.Path)
	}

	var mirror projection.Mirror
	if s.Cache != nil {
		mirror = s.Cache
	}
	s.Projection = projection.New(s.Store, mirror, log)
	if err = s.Projection.Start(ctx); err != nil {
		return s, fmt.Errorf("加载副本数据失败: %w", err)
	}
	s.onClose(s.Projection.Stop)

	var events services.EventPublisher
	if cfg.Kafka.Enabled {
		s.Producer, err = appKafka.NewConfluentKafkaProducer(cfg.Kafka)
		if err != nil {
			return s, fmt.Errorf("无法创建 Kafka 生产者: %w", err)
		}
		s.onClose(s.Producer.Close)
		events = appKafka.NewEventPublisher(s.Producer, cfg.Kafka.EventsTopic)
		log.Info(ctx, "变更事件将转发到 Kafka", "topic", cfg.Kafka.EventsTopic)
	}

	creds, err := s.openCredentials(ctx)
	if err != nil {
		return s, err
	}

	s.Files, err = OpenFileStorage(ctx, cfg.Storage)
	if err != nil {
		return s, err
	}

	s.Writer = services.NewRecordWriter(s.Store, s.Projection, events, nil, log)
	s.Identity = services.NewIdentityService(creds, s.Writer, cfg, log)
	s.Conversations = services.NewConversationService(s.Writer, s.Files, log)
	s.Moderation = services.NewModerationService(s.Writer, s.Identity, log)
	s.Assistant = services.NewAssistantService(s.Conversations, assistant.New(cfg.Assistant), log)

	if err = s.Identity.EnsureAIUser(ctx); err != nil {
		return s, fmt.Errorf("无法创建 AI 助手账号: %w", err)
	}
	return s, nil
}

func (s *Stack) openReplica(ctx context.Context) error {
	switch s.Config.Replica.Backend {
	case "redis":
		s.Redis = redisDriver.NewClient(&redisDriver.Options{
			Addr:     s.Config.Redis.Addr,
			Password: s.Config.Redis.Password,
			DB:       s.Config.Redis.DB,
		})
		s.onClose(func() { s.Redis.Close() })
		if _, err := s.Redis.Ping(ctx).Result(); err != nil {
			return fmt.Errorf("无法连接到 Redis: %w", err)
		}
		store := appRedis.NewReplicaStore(s.Redis, s.Config.Replica.Namespace)
		s.Store = store
		s.Blacklist = appRedis.NewRedisTokenBlacklist(s.Redis, s.Config.Replica.Namespace)
		s.Log.Info(ctx, "副本存储使用 Redis", "addr", s.Config.Redis.Addr)
	case "memory":
		s.Store = replica.NewMemoryStore()
		s.Blacklist = auth.NewMemoryBlacklist()
		s.Log.Warn(ctx, "副本存储使用内存后端，数据不会在进程之间共享")
	default:
		return fmt.Errorf("不支持的副本存储后端: %s", s.Config.Replica.Backend)
	}
	s.onClose(func() { s.Store.Close() })
	return nil
}

func (s *Stack) openCredentials(ctx context.Context) (storage.CredentialRepository, error) {
	if s.Config.Database.Type == "memory" {
		s.Log.Warn(ctx, "凭据保存在内存中，重启后丢失")
		return storage.NewMemoryCredentialRepository(), nil
	}
	db, err := storage.InitDB(s.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("无法初始化数据库: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		s.onClose(func() { sqlDB.Close() })
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		return nil, err
	}
	return storage.NewGormCredentialRepository(db), nil
}

// OpenFileStorage 按 STORAGE.TYPE 创建附件存储。
func OpenFileStorage(ctx context.Context, cfg config.StorageConfig) (imtypes.StorageService, error) {
	switch cfg.Type {
	case "local":
		files, err := storage.NewLocalStorageService(cfg, UploadsBaseURL)
		if err != nil {
			return nil, fmt.Errorf("无法初始化本地存储服务: %w", err)
		}
		return files, nil
	case "s3":
		files, err := storage.NewS3StorageService(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("无法初始化 S3 存储服务: %w", err)
		}
		return files, nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
}

func (s *Stack) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close 按打开的相反顺序释放资源。可以重复调用。
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
