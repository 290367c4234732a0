package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kapu/nominator-track-go/internal/constants"
	"github.com/kapu/nominator-track-go/pkg/errors"
)

type Config struct {
	Osu          OsuConfig
	Token        TokenConfig
	Poll         PollConfig
	Notification NotificationConfig
	Redis        RedisConfig
	Logging      LoggingConfig
}

type OsuConfig struct {
	ClientID         string
	ClientSecret     string
	BaseURL          string
	CallbackAddr     string
	ProbationGroupID int
	FullGroupID      int
}

// TokenConfig holds an optional pre-issued token and where tokens are persisted.
type TokenConfig struct {
	AccessToken  string
	RefreshToken string
	File         string
}

type PollConfig struct {
	CheckInterval time.Duration
	SyncInterval  time.Duration
}

type NotificationConfig struct {
	WebhookURL string
	Events     []string
	RetryOn429 bool
	DedupeTTL  time.Duration
}

// RedisConfig is optional; an empty Host selects the in-memory deduper.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LoggingConfig struct {
	Level string
	File  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Osu: OsuConfig{
			ClientID:         getEnv("OSU_CLIENT_ID", ""),
			ClientSecret:     getEnv("OSU_CLIENT_SECRET", ""),
			BaseURL:          getEnv("OSU_BASE_URL", constants.OsuConfig.BaseURL),
			CallbackAddr:     getEnv("OSU_CALLBACK_ADDR", constants.OAuthConfig.CallbackAddr),
			ProbationGroupID: getEnvInt("OSU_PROBATION_GROUP_ID", constants.OsuConfig.ProbationGroupID),
			FullGroupID:      getEnvInt("OSU_FULL_GROUP_ID", constants.OsuConfig.FullGroupID),
		},
		Token: TokenConfig{
			AccessToken:  getEnv("OSU_ACCESS_TOKEN", ""),
			RefreshToken: getEnv("OSU_REFRESH_TOKEN", ""),
			File:         getEnv("OSU_TOKEN_FILE", ""),
		},
		Poll: PollConfig{
			CheckInterval: time.Duration(getEnvInt("CHECK_INTERVAL_SECONDS", 60)) * time.Second,
			SyncInterval:  time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 30)) * time.Minute,
		},
		Notification: NotificationConfig{
			WebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
			Events:     parseCommaSeparated(getEnv("NOTIFY_EVENTS", "change")),
			RetryOn429: getEnvBool("WEBHOOK_RETRY_ON_429", true),
			DedupeTTL:  time.Duration(getEnvInt("NOTIFY_DEDUPE_TTL_MINUTES", 60)) * time.Minute,
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  logFile(),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var validEvents = map[string]bool{
	"change":           true,
	"probation_change": true,
	"full_change":      true,
}

func (c *Config) Validate() error {
	if c.Osu.ClientID == "" {
		return errors.NewConfigError("OSU_CLIENT_ID", "is required")
	}
	if c.Osu.ClientSecret == "" {
		return errors.NewConfigError("OSU_CLIENT_SECRET", "is required")
	}
	if c.Notification.WebhookURL == "" {
		return errors.NewConfigError("DISCORD_WEBHOOK_URL", "is required")
	}
	if c.Poll.CheckInterval <= 0 {
		return errors.NewConfigError("CHECK_INTERVAL_SECONDS", "must be positive")
	}
	if c.Poll.SyncInterval <= 0 {
		return errors.NewConfigError("SYNC_INTERVAL_MINUTES", "must be positive")
	}
	if len(c.Notification.Events) == 0 {
		return errors.NewConfigError("NOTIFY_EVENTS", "at least one event kind is required")
	}
	for _, event := range c.Notification.Events {
		if !validEvents[event] {
			return errors.NewConfigError("NOTIFY_EVENTS", fmt.Sprintf("unknown event kind %q", event))
		}
	}
	if c.Osu.ProbationGroupID == c.Osu.FullGroupID {
		return errors.NewConfigError("OSU_FULL_GROUP_ID", "must differ from OSU_PROBATION_GROUP_ID")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// logFile keeps the default path only when LOG_FILE is unset. An explicit
// empty value or "-" selects stdout.
func logFile() string {
	value, ok := os.LookupEnv("LOG_FILE")
	if !ok {
		return "logs/tracker.log"
	}
	value = strings.TrimSpace(value)
	if value == "-" {
		return ""
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseCommaSeparated(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
