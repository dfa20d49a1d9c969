package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the coordination engine. Values come from
// the environment; a local .env file is honored for development.
type Config struct {
	// Server
	DebugListenAddr string // metrics/health listener, empty disables

	// Logging
	LogLevel  string
	LogFormat string

	// Messaging
	NatsURL string // empty disables the NATS bridge

	// Upstream feed
	TwitchEventsURL string // WebSocket event feed, empty disables ingestion

	// Producer
	TickerInterval         time.Duration
	SubTrainDuration       time.Duration
	CleanupInterval        time.Duration
	MaxTimers              int
	MaxInterruptStackSize  int
	InterruptStackKeep     int
	ProducerStatePath      string // JSON snapshot file, empty keeps state in memory only

	// Aggregator
	MaxFollowers              int
	MaxEmoteEntries           int
	AggregatorCleanupInterval time.Duration

	// Correlation engine
	CorrelationDelayMin  time.Duration
	CorrelationDelayMax  time.Duration
	TranscriptionWindow  time.Duration
	ChatWindow           time.Duration
	FingerprintRetention time.Duration

	// OAuth
	TokenRefreshBuffer time.Duration
	TokenStorePath     string // primary persisted tokens, empty keeps them in memory
	TokenRecoveryPath  string // secondary recovery copy of persisted tokens
	TwitchClientID     string
	TwitchClientSecret string
	TwitchTokenURL     string
	TwitchValidateURL  string

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Bus
	SubscriberMailboxSize int
}

// Load reads configuration from the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		DebugListenAddr: os.Getenv("DEBUG_LISTEN_ADDR"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),

		NatsURL: os.Getenv("NATS_URL"),

		TwitchEventsURL: os.Getenv("TWITCH_EVENTS_WS_URL"),

		TickerInterval:        getEnvDuration("TICKER_INTERVAL_MS", 15000),
		SubTrainDuration:      getEnvDuration("SUB_TRAIN_DURATION_MS", 300000),
		CleanupInterval:       getEnvDuration("CLEANUP_INTERVAL_MS", 600000),
		MaxTimers:             getEnvInt("MAX_TIMERS", 100),
		MaxInterruptStackSize: getEnvInt("MAX_INTERRUPT_STACK_SIZE", 50),
		InterruptStackKeep:    getEnvInt("INTERRUPT_STACK_KEEP_COUNT", 25),
		ProducerStatePath:     os.Getenv("PRODUCER_STATE_PATH"),

		MaxFollowers:              getEnvInt("MAX_FOLLOWERS", 100),
		MaxEmoteEntries:           getEnvInt("MAX_EMOTE_ENTRIES", 1000),
		AggregatorCleanupInterval: getEnvDuration("AGGREGATOR_CLEANUP_INTERVAL_MS", 3600000),

		CorrelationDelayMin:  getEnvDuration("CORRELATION_DELAY_MIN_MS", 3000),
		CorrelationDelayMax:  getEnvDuration("CORRELATION_DELAY_MAX_MS", 7000),
		TranscriptionWindow:  getEnvDuration("TRANSCRIPTION_WINDOW_MS", 30000),
		ChatWindow:           getEnvDuration("CHAT_WINDOW_MS", 30000),
		FingerprintRetention: getEnvDuration("FINGERPRINT_RETENTION_MS", 300000),

		TokenRefreshBuffer: getEnvDuration("TOKEN_REFRESH_BUFFER_MS", 300000),
		TokenStorePath:     os.Getenv("TOKEN_STORE_PATH"),
		TokenRecoveryPath:  os.Getenv("TOKEN_RECOVERY_PATH"),
		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		TwitchTokenURL:     getEnv("TWITCH_TOKEN_URL", "https://id.twitch.tv/oauth2/token"),
		TwitchValidateURL:  getEnv("TWITCH_VALIDATE_URL", "https://id.twitch.tv/oauth2/validate"),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN_MS", 30000),

		SubscriberMailboxSize: getEnvInt("BUS_MAILBOX_SIZE", 64),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid integer for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

// getEnvDuration reads a millisecond-valued environment variable.
func getEnvDuration(key string, fallbackMillis int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMillis)) * time.Millisecond
}
