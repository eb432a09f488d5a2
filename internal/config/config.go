package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	TrackerBackend string

	Worker WorkerConfig
	Engine EngineConfig

	DefaultMonthlyLimit int64
	AdminKeyHash        string

	SubmitRateLimit  int
	SubmitRateWindow time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type WorkerConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	SchedulerEnabled  bool
}

type EngineConfig struct {
	Mode        string
	URL         string
	OllamaModel string
	StepDelay   time.Duration
}

const (
	EngineSimulated = "simulated"
	EngineOllama    = "ollama"
	EngineRemote    = "remote"

	TrackerRedis  = "redis"
	TrackerMemory = "memory"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "marketpulse"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "marketpulse"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "marketpulse.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},

		TrackerBackend: normalizeTracker(getenv("TRACKER_BACKEND", TrackerRedis)),

		Worker: WorkerConfig{
			Concurrency:       int(getenvInt64("WORKER_CONCURRENCY", 4)),
			PollInterval:      getenvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			HeartbeatInterval: getenvDuration("WORKER_HEARTBEAT_INTERVAL", 10*time.Second),
			SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", true),
		},
		Engine: EngineConfig{
			Mode:        normalizeEngine(getenv("ENGINE_MODE", EngineSimulated)),
			URL:         strings.TrimSpace(getenv("ENGINE_URL", "")),
			OllamaModel: getenv("OLLAMA_MODEL", "llama3.2"),
			StepDelay:   getenvDuration("ENGINE_STEP_DELAY", 500*time.Millisecond),
		},

		DefaultMonthlyLimit: getenvInt64("DEFAULT_MONTHLY_LIMIT", 100),
		AdminKeyHash:        strings.TrimSpace(getenv("ADMIN_KEY_HASH", "")),

		SubmitRateLimit:  int(getenvInt64("SUBMIT_RATE_LIMIT", 10)),
		SubmitRateWindow: getenvDuration("SUBMIT_RATE_WINDOW", time.Minute),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func normalizeEngine(raw string) string {
	switch value := strings.ToLower(strings.TrimSpace(raw)); value {
	case EngineOllama, EngineRemote:
		return value
	default:
		return EngineSimulated
	}
}

func normalizeTracker(raw string) string {
	if strings.ToLower(strings.TrimSpace(raw)) == TrackerMemory {
		return TrackerMemory
	}
	return TrackerRedis
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
