package config

import (
	"time"

	"github.com/joho/godotenv"

	"chatsync/pkg/constants"
	"chatsync/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Connection ConnectionConfig
	Typing     TypingConfig
	Call       CallConfig
	Redis      RedisConfig
	MinIO      MinIOConfig
	Server     ServerConfig
	Log        LogConfig
}

// ConnectionConfig holds session lifecycle configuration
type ConnectionConfig struct {
	URL            string
	Token          string
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxAttempts    int
	SendTimeout    time.Duration
	ConnectTimeout time.Duration
	SendBufferSize int
}

// TypingConfig holds typing-indicator timing configuration
type TypingConfig struct {
	IdleStop time.Duration
	Expiry   time.Duration
}

// CallConfig holds call signaling configuration
type CallConfig struct {
	RingingTimeout time.Duration
}

// RedisConfig holds Redis configuration for the profile directory
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MinIOConfig holds MinIO configuration for the upload collaborator
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// ServerConfig holds sandbox server configuration
type ServerConfig struct {
	Port      int
	JWTSecret string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, first loading a local .env
// file when present
func Load() *Config {
	// Missing .env is not an error; real deployments set the environment
	_ = godotenv.Load()

	return &Config{
		Connection: ConnectionConfig{
			URL:            env.GetString("CHATSYNC_URL", "ws://localhost:8080/ws"),
			Token:          env.GetString("CHATSYNC_TOKEN", ""),
			BackoffBase:    env.GetDuration("CHATSYNC_BACKOFF_BASE", constants.ReconnectBackoffBase),
			BackoffCap:     env.GetDuration("CHATSYNC_BACKOFF_CAP", constants.ReconnectBackoffCap),
			MaxAttempts:    env.GetInt("CHATSYNC_MAX_RECONNECT_ATTEMPTS", constants.MaxReconnectAttempts),
			SendTimeout:    env.GetDuration("CHATSYNC_SEND_TIMEOUT", constants.SendAckTimeout),
			ConnectTimeout: env.GetDuration("CHATSYNC_CONNECT_TIMEOUT", constants.ConnectTimeout),
			SendBufferSize: env.GetInt("CHATSYNC_SEND_BUFFER_SIZE", constants.SendBufferSize),
		},
		Typing: TypingConfig{
			IdleStop: env.GetDuration("CHATSYNC_TYPING_IDLE_STOP", constants.TypingIdleStop),
			Expiry:   env.GetDuration("CHATSYNC_TYPING_EXPIRY", constants.TypingExpiry),
		},
		Call: CallConfig{
			RingingTimeout: env.GetDuration("CHATSYNC_RINGING_TIMEOUT", constants.RingingTimeout),
		},
		Redis: RedisConfig{
			Addr:     env.GetString("REDIS_ADDR", "localhost:6379"),
			Password: env.GetString("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetString("MINIO_ACCESS_KEY", ""),
			SecretKey: env.GetString("MINIO_SECRET_KEY", ""),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "chatsync-uploads"),
		},
		Server: ServerConfig{
			Port:      env.GetInt("CHATTERD_PORT", 8080),
			JWTSecret: env.GetString("JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level:  env.GetString("LOG_LEVEL", "info"),
			Format: env.GetString("LOG_FORMAT", "json"),
		},
	}
}
