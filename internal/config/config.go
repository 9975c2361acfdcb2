package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	AppEnv    string
	Debug     bool
	Version   string
	SentryDSN string

	MongoDBURI      string
	MongoDBDatabase string

	// MTProto application credentials shared by every pooled account.
	TelegramAppID   int
	TelegramAppHash string

	// Operator alert bot. Alerting is disabled when the token is empty.
	AlertBotToken string
	AlertChatID   int64

	PollInterval      time.Duration
	PollWindowDivisor int
	FetchLimit        int
	EventsPerMinute   int
	MaxFloodWait      time.Duration

	HealthCheckInterval time.Duration
	SweepInterval       time.Duration

	MaxConnectAttempts int
	AttemptWindow      time.Duration

	WebhookRetryLimit    int
	WebhookTimeout       time.Duration
	WebhookRetryInterval time.Duration
	WebhookRetryWindow   time.Duration
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present but prioritizes
// actual environment variables set in the system (e.g., by Docker).
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (useful for development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	debug, _ := strconv.ParseBool(getEnv("DEBUG", "false"))

	appID, err := strconv.Atoi(getEnv("TELEGRAM_APP_ID", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_APP_ID: %w", err)
	}

	alertChatIDStr := getEnv("ALERT_CHAT_ID", "")
	var alertChatID int64
	if alertChatIDStr != "" {
		alertChatID, err = strconv.ParseInt(alertChatIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ALERT_CHAT_ID: %w", err)
		}
	}

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		Debug:     debug,
		Version:   getEnv("VERSION", "dev"),
		SentryDSN: getEnv("SENTRY_DSN", ""),

		MongoDBURI:      getEnv("MONGODB_URI", ""),
		MongoDBDatabase: getEnv("MONGODB_DATABASE", ""),

		TelegramAppID:   appID,
		TelegramAppHash: getEnv("TELEGRAM_APP_HASH", ""),

		AlertBotToken: getEnv("ALERT_BOT_TOKEN", ""),
		AlertChatID:   alertChatID,

		PollInterval:      getEnvDuration("POLL_INTERVAL", 20*time.Second),
		PollWindowDivisor: getEnvInt("POLL_WINDOW_DIVISOR", 3),
		FetchLimit:        getEnvInt("FETCH_LIMIT", 20),
		EventsPerMinute:   getEnvInt("EVENTS_PER_MINUTE", 20),
		MaxFloodWait:      getEnvDuration("MAX_FLOOD_WAIT", time.Hour),

		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 5*time.Minute),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", time.Minute),

		MaxConnectAttempts: getEnvInt("MAX_CONNECT_ATTEMPTS", 3),
		AttemptWindow:      getEnvDuration("ATTEMPT_WINDOW", 30*time.Minute),

		WebhookRetryLimit:    getEnvInt("WEBHOOK_RETRY_LIMIT", 3),
		WebhookTimeout:       getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookRetryInterval: getEnvDuration("WEBHOOK_RETRY_INTERVAL", time.Hour),
		WebhookRetryWindow:   getEnvDuration("WEBHOOK_RETRY_WINDOW", 24*time.Hour),
	}

	// Basic validation for essential variables
	if cfg.TelegramAppID == 0 {
		return nil, fmt.Errorf("TELEGRAM_APP_ID is required")
	}
	if cfg.TelegramAppHash == "" {
		return nil, fmt.Errorf("TELEGRAM_APP_HASH is required")
	}
	if cfg.SentryDSN == "" {
		log.Println("Warning: SENTRY_DSN is not set. Error tracking disabled.")
	}
	if cfg.AlertBotToken == "" {
		log.Println("Warning: ALERT_BOT_TOKEN is not set. Operator alerts disabled.")
	} else if cfg.AlertChatID == 0 {
		return nil, fmt.Errorf("ALERT_CHAT_ID is required when ALERT_BOT_TOKEN is set")
	}
	if cfg.MongoDBURI == "" {
		return nil, fmt.Errorf("MONGODB_URI is required")
	}
	if cfg.MongoDBDatabase == "" {
		return nil, fmt.Errorf("MONGODB_DATABASE is required")
	}
	if cfg.PollWindowDivisor < 1 {
		return nil, fmt.Errorf("POLL_WINDOW_DIVISOR must be at least 1")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Malformed values fall back to the default with a warning.
func getEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration retrieves a duration environment variable ("20s", "5m") or
// returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
