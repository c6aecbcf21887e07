package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIServerConfig 保存 API 服务器特有的配置。
type APIServerConfig struct {
	Host string     `mapstructure:"HOST"`
	Port string     `mapstructure:"PORT"`
	CORS CORSConfig `mapstructure:"CORS"`
}

// CORSConfig holds configuration for CORS.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `mapstructure:"EXPOSED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// RedisConfig holds configuration for Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"ADDR"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
}

// Config holds all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string           `mapstructure:"APP_NAME"`
	AppVersion string           `mapstructure:"APP_VERSION"`
	LogLevel   string           `mapstructure:"LOG_LEVEL"`
	Server     ServerConfig     `mapstructure:"SERVER"` // ChatServer
	APIServer  APIServerConfig  `mapstructure:"API_SERVER"`
	Kafka      KafkaConfig      `mapstructure:"KAFKA"`
	Database   DatabaseConfig   `mapstructure:"DATABASE"`
	Storage    StorageConfig    `mapstructure:"STORAGE"`
	Auth       AuthConfig       `mapstructure:"AUTH"`
	WebSocket  WebSocketConfig  `mapstructure:"WEBSOCKET"`
	Redis      RedisConfig      `mapstructure:"REDIS"`
	Replica    ReplicaConfig    `mapstructure:"REPLICA"`
	Identity   IdentityConfig   `mapstructure:"IDENTITY"`
	Assistant  AssistantConfig  `mapstructure:"ASSISTANT"`
	LocalCache LocalCacheConfig `mapstructure:"LOCAL_CACHE"`
}

// ServerConfig holds configuration for the chat (websocket) server.
type ServerConfig struct {
	Host           string        `mapstructure:"HOST"`
	Port           string        `mapstructure:"PORT"`
	WebSocketPath  string        `mapstructure:"WEBSOCKET_PATH"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"MAX_HEADER_BYTES"`
}

// KafkaConfig holds configuration for Kafka.
// Enabled=false 时不转发变更事件，适用于单节点部署。
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"ENABLED"`
	Brokers       []string `mapstructure:"BROKERS"`
	ClientID      string   `mapstructure:"CLIENT_ID"`
	EventsTopic   string   `mapstructure:"EVENTS_TOPIC"`   // 已提交变更的事件流
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"` // ChatServer 消费者组
	Protocol      string   `mapstructure:"PROTOCOL"`
}

// DatabaseConfig holds configuration for the credential database.
// TYPE 为 "postgres" 或 "memory"。
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"`
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
}

// StorageConfig holds configuration for attachment storage.
type StorageConfig struct {
	Type          string   `mapstructure:"TYPE"` // "local" 或 "s3"
	LocalPath     string   `mapstructure:"LOCAL_PATH"`
	MaxFileSizeMB int64    `mapstructure:"MAX_FILE_SIZE_MB"`
	S3            S3Config `mapstructure:"S3"`
}

// S3Config holds configuration for AWS S3.
type S3Config struct {
	BucketName      string `mapstructure:"BUCKET_NAME"`
	Region          string `mapstructure:"REGION"`
	AccessKeyID     string `mapstructure:"ACCESS_KEY_ID"`
	SecretAccessKey string `mapstructure:"SECRET_ACCESS_KEY"`
	Endpoint        string `mapstructure:"ENDPOINT"` // For S3 compatible storage like MinIO
}

// AuthConfig holds configuration for authentication (e.g., JWT).
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
	Issuer       string        `mapstructure:"ISSUER"`
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
}

// ReplicaConfig 选择副本存储后端。BACKEND 为 "redis" 或 "memory"。
type ReplicaConfig struct {
	Backend   string `mapstructure:"BACKEND"`
	Namespace string `mapstructure:"NAMESPACE"` // redis key 前缀
}

// IdentityConfig 保存身份相关的固定设置。
type IdentityConfig struct {
	DeveloperLogin string `mapstructure:"DEVELOPER_LOGIN"`
}

// AssistantConfig 配置 AI 助手。API_KEY 为空时助手被禁用。
type AssistantConfig struct {
	APIKey         string        `mapstructure:"API_KEY"`
	BaseURL        string        `mapstructure:"BASE_URL"` // 任意兼容 OpenAI 的端点
	Model          string        `mapstructure:"MODEL"`
	SummaryModel   string        `mapstructure:"SUMMARY_MODEL"`
	Temperature    float64       `mapstructure:"TEMPERATURE"`
	MaxTokens      int           `mapstructure:"MAX_TOKENS"`
	SystemPrompt   string        `mapstructure:"SYSTEM_PROMPT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RealtimeURL    string        `mapstructure:"REALTIME_URL"`
	RealtimeModel  string        `mapstructure:"REALTIME_MODEL"`
}

// LocalCacheConfig 配置本地 SQLite 缓存。PATH 为空时不启用。
type LocalCacheConfig struct {
	Path string `mapstructure:"PATH"`
}

// DefaultSystemPrompt 是助手的默认系统提示词。
const DefaultSystemPrompt = "You are Fluxur, a highly intelligent and helpful personal assistant inside the Fluxur messenger. " +
	"Be concise, friendly and precise. Answer in the language the user writes in."

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "Fluxur")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("LOG_LEVEL", "info")

	// ChatServer
	v.SetDefault("SERVER.HOST", "0.0.0.0")
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.WEBSOCKET_PATH", "/ws/chat")
	v.SetDefault("SERVER.READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.MAX_HEADER_BYTES", 1<<20)

	// APIServer
	v.SetDefault("API_SERVER.HOST", "0.0.0.0")
	v.SetDefault("API_SERVER.PORT", "8081")
	v.SetDefault("API_SERVER.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"})
	v.SetDefault("API_SERVER.CORS.EXPOSED_HEADERS", []string{"Content-Length"})
	v.SetDefault("API_SERVER.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("API_SERVER.CORS.MAX_AGE", 300)

	// Kafka
	v.SetDefault("KAFKA.ENABLED", false)
	v.SetDefault("KAFKA.BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA.CLIENT_ID", "fluxur")
	v.SetDefault("KAFKA.EVENTS_TOPIC", "fluxur-changes")
	v.SetDefault("KAFKA.CONSUMER_GROUP", "fluxur-chat-server")
	v.SetDefault("KAFKA.PROTOCOL", "plaintext")

	// Database
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.DB_NAME", "fluxur")
	v.SetDefault("DATABASE.SSL_MODE", "disable")

	// Storage
	v.SetDefault("STORAGE.TYPE", "local")
	v.SetDefault("STORAGE.LOCAL_PATH", "./uploads")
	v.SetDefault("STORAGE.MAX_FILE_SIZE_MB", 25)

	// Auth
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 24*time.Hour)
	v.SetDefault("AUTH.ISSUER", "fluxur")

	// Redis
	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)

	// WebSocket
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 1<<20)

	// Replica store
	v.SetDefault("REPLICA.BACKEND", "redis")
	v.SetDefault("REPLICA.NAMESPACE", "fluxur")

	v.SetDefault("IDENTITY.DEVELOPER_LOGIN", "stephan_rogovoy")

	// Assistant
	v.SetDefault("ASSISTANT.API_KEY", "")
	v.SetDefault("ASSISTANT.BASE_URL", "")
	v.SetDefault("ASSISTANT.MODEL", "gpt-4o-mini")
	v.SetDefault("ASSISTANT.SUMMARY_MODEL", "gpt-4o-mini")
	v.SetDefault("ASSISTANT.TEMPERATURE", 0.7)
	v.SetDefault("ASSISTANT.MAX_TOKENS", 1024)
	v.SetDefault("ASSISTANT.SYSTEM_PROMPT", DefaultSystemPrompt)
	v.SetDefault("ASSISTANT.REQUEST_TIMEOUT", 60*time.Second)
	v.SetDefault("ASSISTANT.REALTIME_URL", "wss://api.openai.com/v1/realtime")
	v.SetDefault("ASSISTANT.REALTIME_MODEL", "gpt-4o-realtime-preview")

	v.SetDefault("LOCAL_CACHE.PATH", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// API_SERVER_PORT 覆盖 API_SERVER.PORT
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		// 没有配置文件时使用默认值
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}
