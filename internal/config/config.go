package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Broker
	AMQPURL            string
	DelayedExchange    string
	DelayedQueuePrefix string
	BrowserExchange    string

	// Session
	CallbackTimeout  time.Duration
	WSMaxMessageSize int64
	WSPingInterval   time.Duration

	// Pacing
	ChatPacingDelay    time.Duration
	PrivacyHintDelay   time.Duration
	FriendRemovalDelay time.Duration

	// Q&A
	QAEndpoint      string
	QAAPIKey        string
	QAUserSalt      string
	QATimeout       time.Duration
	QAMaxAttempts   int
	QARatePerMinute int

	// Cleanup
	TokenRetention  time.Duration
	CleanupInterval time.Duration

	// Rate Limit
	RateLimitConnect int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	// AdminToken が空の場合は管理APIを公開しない
	AdminToken string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AMQPURL = os.Getenv("AMQP_URL")
	if cfg.AMQPURL == "" {
		missing = append(missing, "AMQP_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DelayedExchange = getEnvString("DELAYED_EXCHANGE", "keylol.delayed")
	cfg.DelayedQueuePrefix = getEnvString("DELAYED_QUEUE_PREFIX", "steam-bot-delayed-action")
	cfg.BrowserExchange = getEnvString("BROWSER_EXCHANGE", "keylol.browser")
	cfg.CallbackTimeout = getEnvDuration("CALLBACK_TIMEOUT", 30*time.Second)
	cfg.WSMaxMessageSize = getEnvInt64("WS_MAX_MESSAGE_SIZE", 1<<20)
	cfg.WSPingInterval = getEnvDuration("WS_PING_INTERVAL", 30*time.Second)
	cfg.ChatPacingDelay = getEnvDuration("CHAT_PACING_DELAY", 3*time.Second)
	cfg.PrivacyHintDelay = getEnvDuration("PRIVACY_HINT_DELAY", 5*time.Second)
	cfg.FriendRemovalDelay = getEnvDuration("FRIEND_REMOVAL_DELAY", 5*time.Minute)
	cfg.QAEndpoint = getEnvString("QA_ENDPOINT", "")
	cfg.QAAPIKey = getEnvString("QA_API_KEY", "")
	cfg.QAUserSalt = getEnvString("QA_USER_SALT", "")
	cfg.QATimeout = getEnvDuration("QA_TIMEOUT", 10*time.Second)
	cfg.QAMaxAttempts = getEnvInt("QA_MAX_ATTEMPTS", 3)
	cfg.QARatePerMinute = getEnvInt("QA_RATE_PER_MINUTE", 60)
	cfg.TokenRetention = getEnvDuration("TOKEN_RETENTION", 24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.RateLimitConnect = getEnvInt("RATE_LIMIT_CONNECT", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
