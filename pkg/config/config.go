// Package config loads the gateway's environment-driven settings.
//
// File-based configuration (YAML/TOML schemas, hot reload, validation) is
// an external collaborator's responsibility; this package only reads the
// recognized option set the gateway core consumes, from the process
// environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized option the gateway core consumes.
type Config struct {
	APIBaseURL   string
	MarketHubURL string
	UserHubURL   string

	BusAddr     string
	BusPassword string
	BusDB       int

	MonitoringPort string

	HeartbeatInterval  time.Duration
	ReconnectDelayMs   int
	MaxReconnectAttempt int

	LockTimeout   time.Duration
	QueueTimeout  time.Duration
	MaxQueueSize  int

	ReconciliationInterval    time.Duration
	MaxDiscrepancyThreshold   float64
	PositionTimeout           time.Duration
	EnableAutoCorrection      bool

	HistoryMaxRetries       int
	HistoryCacheDuration    time.Duration
	HistoryMaxConcurrent    int
	HistoryRequestTimeout   time.Duration

	MicroOnly bool

	BracketMaxRetries int

	BrokerUsername string
	BrokerAPIKey   string

	BotSlotCount int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		APIBaseURL:   getEnv("API_BASE_URL", "https://api.broker.example/v1"),
		MarketHubURL: getEnv("MARKET_HUB_URL", "wss://hub.broker.example/market"),
		UserHubURL:   getEnv("USER_HUB_URL", "wss://hub.broker.example/user"),

		BusAddr:     getEnv("BUS_ADDR", "localhost:6379"),
		BusPassword: os.Getenv("BUS_PASSWORD"),
		BusDB:       getEnvInt("BUS_DB", 0),

		MonitoringPort: getEnv("MONITORING_PORT", "8090"),

		HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL_MS", 30*time.Second),
		ReconnectDelayMs:    getEnvInt("RECONNECT_DELAY_MS", 1000),
		MaxReconnectAttempt: getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),

		LockTimeout:  getEnvDuration("LOCK_TIMEOUT_MS", 30*time.Second),
		QueueTimeout: getEnvDuration("QUEUE_TIMEOUT_MS", 60*time.Second),
		MaxQueueSize: getEnvInt("MAX_QUEUE_SIZE", 50),

		ReconciliationInterval:  getEnvDuration("RECONCILIATION_INTERVAL_MS", 30*time.Second),
		MaxDiscrepancyThreshold: getEnvFloat("MAX_DISCREPANCY_THRESHOLD", 0.01),
		PositionTimeout:         getEnvDuration("POSITION_TIMEOUT_MS", 5*time.Minute),
		EnableAutoCorrection:    getEnv("ENABLE_AUTO_CORRECTION", "true") == "true",

		HistoryMaxRetries:     getEnvInt("HISTORY_MAX_RETRIES", 3),
		HistoryCacheDuration:  getEnvDuration("HISTORY_CACHE_DURATION_MS", 5*time.Minute),
		HistoryMaxConcurrent:  getEnvInt("HISTORY_MAX_CONCURRENT", 5),
		HistoryRequestTimeout: getEnvDuration("HISTORY_REQUEST_TIMEOUT_MS", 30*time.Second),

		MicroOnly: getEnv("MICRO_ONLY", "false") == "true",

		BracketMaxRetries: getEnvInt("BRACKET_MAX_RETRIES", 10),

		BrokerUsername: os.Getenv("BROKER_USERNAME"),
		BrokerAPIKey:   os.Getenv("BROKER_API_KEY"),

		BotSlotCount: getEnvInt("BOT_SLOT_COUNT", 6),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
