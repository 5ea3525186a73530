package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string
	InstanceID  string // consumer name in the queue group; defaults to hostname-uuid

	// Roles. Both run in the same process by default.
	RunGateway bool
	RunWorkers bool

	// Storage
	StoreDriver    string // "mongodb", "mysql" or "sqlite"
	MongoURI       string
	DatabaseURL    string // MySQL DSN or sqlite path
	CorrelationTTL time.Duration

	// Queue and relay
	RedisURL           string
	QueueDriver        string // "redis" or "memory"
	RelayDriver        string // "redis" or "memory"
	QueueStream        string
	QueueGroup         string
	QueuePartitions    int
	QueueClaimIdle     time.Duration
	QueueMaxDeliveries int // redeliveries must outlast StaleProcessing

	// Workers
	WorkerConcurrency int
	TaskTimeout       time.Duration
	AttemptTimeout    time.Duration
	StaleProcessing   time.Duration
	PendingRedispatch time.Duration

	// Registry
	HeartbeatInterval time.Duration

	// Executor ("brain" service)
	ExecutorURL     string
	ExecutorAPIKey  string // exchanged for a bearer token when set
	ExecutorTimeout time.Duration
	ExecutorStream  bool // stream partial output as chunk envelopes

	// Research
	SearXNGURL      string
	ResearchEnabled bool

	// Eval loop defaults; EvalPolicyFile overrides them when present
	EvalMaxRetries          int
	EvalSimilarityThreshold float64
	EvalBaseBackoff         time.Duration
	EvalPolicyFile          string

	// Auth and HTTP
	JWTSecret      string
	AllowedOrigins string
	RateLimitMax   int

	// Jobs
	ReaperSchedule string // cron expression
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3001"),
		Environment: getEnv("ENVIRONMENT", "development"),
		InstanceID:  getEnv("INSTANCE_ID", defaultInstanceID()),

		RunGateway: getBoolEnv("RUN_GATEWAY", true),
		RunWorkers: getBoolEnv("RUN_WORKERS", true),

		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", "mongodb")),
		MongoURI:       getEnv("MONGODB_URI", "mongodb://localhost:27017/courier"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		CorrelationTTL: getDurationEnv("CORRELATION_TTL", 24*time.Hour),

		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		QueueDriver:        strings.ToLower(getEnv("QUEUE_DRIVER", "redis")),
		RelayDriver:        strings.ToLower(getEnv("RELAY_DRIVER", "redis")),
		QueueStream:        getEnv("QUEUE_STREAM", "courier:tasks"),
		QueueGroup:         getEnv("QUEUE_GROUP", "courier-workers"),
		QueuePartitions:    getIntEnv("QUEUE_PARTITIONS", 4),
		QueueClaimIdle:     getDurationEnv("QUEUE_CLAIM_IDLE", 5*time.Minute),
		QueueMaxDeliveries: getIntEnv("QUEUE_MAX_DELIVERIES", 5),

		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 4),
		TaskTimeout:       getDurationEnv("TASK_TIMEOUT", 10*time.Minute),
		AttemptTimeout:    getDurationEnv("ATTEMPT_TIMEOUT", 2*time.Minute),
		StaleProcessing:   getDurationEnv("STALE_PROCESSING", 15*time.Minute),
		PendingRedispatch: getDurationEnv("PENDING_REDISPATCH", 10*time.Minute),

		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),

		ExecutorURL:     getEnv("EXECUTOR_URL", "http://localhost:8000"),
		ExecutorAPIKey:  getEnv("EXECUTOR_API_KEY", ""),
		ExecutorTimeout: getDurationEnv("EXECUTOR_TIMEOUT", 120*time.Second),
		ExecutorStream:  getBoolEnv("EXECUTOR_STREAM", false),

		SearXNGURL:      getEnv("SEARXNG_URL", "http://localhost:8080"),
		ResearchEnabled: getBoolEnv("RESEARCH_ENABLED", true),

		EvalMaxRetries:          getIntEnv("EVAL_MAX_RETRIES", 3),
		EvalSimilarityThreshold: getFloatEnv("EVAL_SIMILARITY_THRESHOLD", 0.7),
		EvalBaseBackoff:         getDurationEnv("EVAL_BASE_BACKOFF", time.Second),
		EvalPolicyFile:          getEnv("EVAL_POLICY_FILE", ""),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:5173"),
		RateLimitMax:   getIntEnv("RATE_LIMIT_MAX", 60),

		ReaperSchedule: getEnv("REAPER_SCHEDULE", "*/5 * * * *"),
	}
}

// Validate checks that the queue and worker timings fit together: a live
// worker is never taken over, and a crashed worker's claim goes stale before
// its message runs out of deliveries.
func (c *Config) Validate() error {
	if c.QueueClaimIdle <= 0 || c.TaskTimeout <= 0 || c.StaleProcessing <= 0 {
		return fmt.Errorf("QUEUE_CLAIM_IDLE, TASK_TIMEOUT and STALE_PROCESSING must be positive")
	}
	if c.QueueMaxDeliveries < 2 {
		return fmt.Errorf("QUEUE_MAX_DELIVERIES must be at least 2, got %d", c.QueueMaxDeliveries)
	}
	if c.StaleProcessing <= c.TaskTimeout {
		return fmt.Errorf("STALE_PROCESSING (%s) must exceed TASK_TIMEOUT (%s)", c.StaleProcessing, c.TaskTimeout)
	}
	redelivery := time.Duration(c.QueueMaxDeliveries-1) * c.QueueClaimIdle
	if redelivery <= c.StaleProcessing {
		return fmt.Errorf("QUEUE_MAX_DELIVERIES-1 x QUEUE_CLAIM_IDLE (%s) must exceed STALE_PROCESSING (%s)",
			redelivery, c.StaleProcessing)
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "courier"
	}
	return host + "-" + uuid.New().String()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
