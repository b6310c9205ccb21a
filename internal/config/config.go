package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process bootstrap: where to listen, what to connect to. It is read
// once at startup. Everything that can change at runtime lives in Settings.
type Config struct {
	Addr         string
	LogLevel     string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string

	ProvidersFile string
	DiscordToken  string
	APITokenHash  string

	// SettingsKey encrypts credential overrides written to the database.
	SettingsKey string

	ProviderTimeout      time.Duration
	HistoryLimit         int
	HistoryMaxPerChannel int
	BucketCacheSize      int

	UsageQueueURL      string
	ModerationTopicARN string

	// DigestChannelID enables a daily digest of that channel, posted at DigestTime
	// (HH:MM UTC).
	DigestChannelID string
	DigestTime      string

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool
	UseDistributedRateLimit      bool

	// Graceful shutdown
	ShutdownTimeout time.Duration

	// Overrides are the settings keys found in the environment at load time.
	Overrides map[string]string
}

// Load reads an optional .env file, then the environment. Variables already set in
// the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		ProvidersFile:                getEnv("PROVIDERS_FILE", ""),
		DiscordToken:                 getEnv("DISCORD_TOKEN", ""),
		APITokenHash:                 getEnv("API_TOKEN_HASH", ""),
		SettingsKey:                  getEnv("SETTINGS_ENCRYPTION_KEY", ""),
		ProviderTimeout:              getDurationEnv("PROVIDER_TIMEOUT", 60*time.Second),
		HistoryLimit:                 getIntEnv("HISTORY_LIMIT", 20),
		HistoryMaxPerChannel:         getIntEnv("HISTORY_MAX_PER_CHANNEL", 200),
		BucketCacheSize:              getIntEnv("BUCKET_CACHE_SIZE", 100_000),
		UsageQueueURL:                getEnv("USAGE_QUEUE_URL", ""),
		ModerationTopicARN:           getEnv("MODERATION_TOPIC_ARN", ""),
		DigestChannelID:              getEnv("DIGEST_CHANNEL_ID", ""),
		DigestTime:                   getEnv("DIGEST_TIME", "09:00"),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		UseDistributedRateLimit:      getEnv("USE_DISTRIBUTED_RATE_LIMIT", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Overrides:                    EnvOverrides(),
	}

	return cfg, nil
}

// EnvOverrides collects every settings key present in the environment.
func EnvOverrides() map[string]string {
	out := make(map[string]string)
	for _, key := range Keys() {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			out[key] = value
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// getDurationEnv accepts plain seconds ("30") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
