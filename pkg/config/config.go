package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Exchange endpoints
	ExchangeBaseURL string
	ExchangeWSURL   string
	PrivateKey      string
	RequestTimeout  time.Duration

	// Symbols served by the market data feed
	Symbols        []string
	CandleInterval string
	SymbolsFile    string // YAML symbol metadata / fee table

	// Database
	DBPath string

	// Pre-flight margin check: leverage assumed when estimating required
	// margin. The exchange's own check remains authoritative.
	MarginCheckLeverage float64

	// Resilience tunables
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerResetTimeout     time.Duration
	BreakerMonitoringPeriod time.Duration

	RetryMaxRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryFactor     float64
	RetryJitter     bool

	RateLimitPerSecond float64
	RateLimitBurst     float64
	RateLimitQueueSize int

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectFactor      float64
	ReconnectMaxAttempts int

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileAutoSync bool

	// Position polling
	PositionPollInterval time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:            getEnv("PORT", "8080"),
		ExchangeBaseURL: getEnv("EXCHANGE_BASE_URL", "https://api.exchange.example"),
		ExchangeWSURL:   getEnv("EXCHANGE_WS_URL", "wss://api.exchange.example/ws"),
		PrivateKey:      os.Getenv("EXCHANGE_PRIVATE_KEY"),
		RequestTimeout:  getEnvDuration("EXCHANGE_REQUEST_TIMEOUT", 10*time.Second),

		Symbols:        splitAndTrim(getEnv("SYMBOLS", "BTC,ETH")),
		CandleInterval: getEnv("CANDLE_INTERVAL", "1m"),
		SymbolsFile:    getEnv("SYMBOLS_FILE", ""),

		DBPath: getEnv("DB_PATH", "./data/ledger.db"),

		MarginCheckLeverage: getEnvFloat("MARGIN_CHECK_LEVERAGE", 10),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		BreakerMonitoringPeriod: getEnvDuration("BREAKER_MONITORING_PERIOD", time.Minute),

		RetryMaxRetries: getEnvInt("RETRY_MAX_RETRIES", 3),
		RetryBaseDelay:  getEnvDuration("RETRY_BASE_DELAY", 250*time.Millisecond),
		RetryMaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
		RetryFactor:     getEnvFloat("RETRY_FACTOR", 2),
		RetryJitter:     getEnv("RETRY_JITTER", "true") == "true",

		RateLimitPerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     getEnvFloat("RATE_LIMIT_BURST", 20),
		RateLimitQueueSize: getEnvInt("RATE_LIMIT_QUEUE_SIZE", 100),

		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", time.Minute),
		ReconnectFactor:      getEnvFloat("RECONNECT_FACTOR", 2),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileAutoSync: getEnv("RECONCILE_AUTO_SYNC", "true") == "true",

		PositionPollInterval: getEnvDuration("POSITION_POLL_INTERVAL", 5*time.Second),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
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
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
