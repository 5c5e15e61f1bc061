package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	RedisURL    string
	DatabaseURL string

	// Per-region admission limit, requests per minute. Applied uniformly
	// to every region.
	RateLimitPerRegion int

	// DefaultModel is used when a request omits the model field.
	DefaultModel string

	ProviderTimeout  time.Duration
	DeferWaitTimeout time.Duration
	CredCacheTTL     time.Duration

	QueueDepth   int
	QueueWorkers int

	AWSRegion     string
	SNSTopicArn   string
	UsageQueueURL string
	SecretName    string

	EncryptionKey    string
	AdminTokenBcrypt string

	OTLPEndpoint string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RateLimitPerRegion: getIntEnv("RATE_LIMIT_PER_REGION", 60),
		DefaultModel:       getEnv("DEFAULT_MODEL", "gemini-1.5-pro"),
		ProviderTimeout:    getDurationEnv("PROVIDER_TIMEOUT", 60*time.Second),
		DeferWaitTimeout:   getDurationEnv("DEFER_WAIT_TIMEOUT", 65*time.Second),
		CredCacheTTL:       getDurationEnv("CRED_CACHE_TTL", 300*time.Second),
		QueueDepth:         getIntEnv("QUEUE_DEPTH", 256),
		QueueWorkers:       getIntEnv("QUEUE_WORKERS", 4),
		AWSRegion:          getEnv("AWS_REGION", ""),
		SNSTopicArn:        getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL:      getEnv("USAGE_QUEUE_URL", ""),
		SecretName:         getEnv("SECRET_NAME", ""),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		AdminTokenBcrypt:   getEnv("ADMIN_TOKEN_BCRYPT", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
