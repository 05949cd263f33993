package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Violation store backends.
const (
	ViolationStoreMemory = "memory"
	ViolationStoreRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string `validate:"required,oneof=trace debug info warn error fatal panic"`
	LogFormat string `validate:"required,oneof=json pretty"`
	// LogFile receives the candidate client's logs; stdout belongs to the
	// transcript. Empty means stderr.
	LogFile string

	// ─── Candidate client ──────────────────────────────────────────────
	WSURL                  string        `validate:"required,url"`
	AuthToken              string        `validate:"-"`
	TestID                 int           `validate:"gte=0"`
	MaxReconnectAttempts   int           `validate:"gte=0"`
	ReconnectDelay         time.Duration `validate:"gt=0"`
	MaxReconnectDelay      time.Duration `validate:"gtefield=ReconnectDelay"`
	HeartbeatInterval      time.Duration `validate:"gt=0"`
	ProcessingClearTimeout time.Duration `validate:"gt=0"`
	MaxViolations          int           `validate:"gte=1"`
	ViolationDebounce      time.Duration `validate:"gte=0"`
	ViolationStore         string        `validate:"oneof=memory redis"`
	RedisURL               string        `validate:"required_if=ViolationStore redis"`

	// ─── Reference exam server ─────────────────────────────────────────
	ServerPort       string `validate:"required,numeric"`
	GinMode          string `validate:"oneof=debug release test"`
	JWTSecret        string `validate:"required,min=8"`
	JWTExpiry        time.Duration
	QuestionsPerTest int           `validate:"gte=1"`
	TestDuration     time.Duration `validate:"gte=0"`
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // Ignore error — .env is optional

	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "pretty"),
		LogFile:   getEnv("LOG_FILE", "candidate.log"),

		WSURL:                  strings.TrimRight(getEnv("WS_URL", "ws://localhost:8080"), "/"),
		AuthToken:              getEnv("AUTH_TOKEN", ""),
		TestID:                 getEnvInt("TEST_ID", 0),
		MaxReconnectAttempts:   getEnvInt("MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:         getEnvMillis("RECONNECT_DELAY_MS", 1000),
		MaxReconnectDelay:      getEnvMillis("MAX_RECONNECT_DELAY_MS", 30000),
		HeartbeatInterval:      getEnvMillis("HEARTBEAT_INTERVAL_MS", 30000),
		ProcessingClearTimeout: getEnvMillis("PROCESSING_CLEAR_TIMEOUT_MS", 5000),
		MaxViolations:          getEnvInt("MAX_VIOLATIONS", 10),
		ViolationDebounce:      getEnvMillis("VIOLATION_DEBOUNCE_MS", 1000),
		ViolationStore:         getEnv("VIOLATION_STORE", ViolationStoreMemory),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379/0"),

		ServerPort:       getEnv("SERVER_PORT", "8080"),
		GinMode:          getEnv("GIN_MODE", "debug"),
		JWTSecret:        getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
		JWTExpiry:        time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,
		QuestionsPerTest: getEnvInt("QUESTIONS_PER_TEST", 5),
		TestDuration:     time.Duration(getEnvInt("TEST_DURATION_MINUTES", 0)) * time.Minute,
		AllowedOrigins:   parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
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
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
