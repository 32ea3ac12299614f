package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL  string
	StoreTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	FriendLockTTL  time.Duration
	FriendLockWait time.Duration

	// Dispatch
	SendTimeout     time.Duration
	DefaultTimezone string
	RegexCacheTTL   time.Duration

	// LINE Messaging API
	LineAPIBaseURL        string
	LineChannelTokensJSON string

	// Service-to-service auth for the ingestion API
	ServiceJWTSecret string
	RateLimitRPS     int
	RateLimitBurst   int

	// Asynchronous ingestion
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	InboundQueueURL     string
	UseMemoryQueue      bool
	WorkerCount         int

	// Conversation sweeper
	ConversationSweepInterval time.Duration
	ConversationIdleExpiry    time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		StoreTimeout: getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		FriendLockTTL:  getEnvAsDuration("FRIEND_LOCK_TTL", 30*time.Second),
		FriendLockWait: getEnvAsDuration("FRIEND_LOCK_WAIT", 10*time.Second),

		SendTimeout:     getEnvAsDuration("SEND_TIMEOUT", 10*time.Second),
		DefaultTimezone: strings.TrimSpace(getEnv("DEFAULT_TIMEZONE", "UTC")),
		RegexCacheTTL:   getEnvAsDuration("REGEX_CACHE_TTL", 10*time.Minute),

		LineAPIBaseURL:        strings.TrimRight(getEnv("LINE_API_BASE_URL", "https://api.line.me"), "/"),
		LineChannelTokensJSON: getEnv("LINE_CHANNEL_TOKENS_JSON", ""),

		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", ""),
		RateLimitRPS:     getEnvAsInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   getEnvAsInt("RATE_LIMIT_BURST", 100),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InboundQueueURL:     getEnv("INBOUND_QUEUE_URL", ""),
		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:         getEnvAsInt("WORKER_COUNT", 2),

		ConversationSweepInterval: getEnvAsDuration("CONVERSATION_SWEEP_INTERVAL", 5*time.Minute),
		ConversationIdleExpiry:    getEnvAsDuration("CONVERSATION_IDLE_EXPIRY", 72*time.Hour),
	}
}

// Location resolves DefaultTimezone, falling back to UTC when it is unknown.
func (c *Config) Location() *time.Location {
	if c == nil || c.DefaultTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
