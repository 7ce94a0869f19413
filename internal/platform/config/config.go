package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Resilience captures configuration for the resilience and admission-control
// layer. Values come from the environment so main stays lean; every field has
// a working default for local development.
type Resilience struct {
	Addr     string // ops listener (admin endpoints, metrics, health)
	Redis    RedisConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Breaker  BreakerConfig
	Quota    QuotaConfig
}

// RedisConfig configures the shared atomic store connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig points at the tenant record store (system of record for
// quota accounts). This layer only reads from it.
type PostgresConfig struct {
	DSN string
}

// KafkaConfig configures the ops event publisher. Empty brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// BreakerConfig holds default circuit breaker thresholds; individual services
// can override via options.
type BreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	ResetTimeout      time.Duration
	EvaluationWindow  time.Duration
	MaxHalfOpenProbes int
}

// QuotaConfig holds admission-control defaults.
type QuotaConfig struct {
	DefaultScanCredits  int64
	DefaultMaxSlots     int64
	MaxJobDuration      time.Duration
	CreditsFailOpen     bool
	ConcurrencyFailOpen bool
}

// FromEnv builds the resilience config from environment variables.
func FromEnv() Resilience {
	return Resilience{
		Addr: envStr("ADDR", ":8081"),
		Redis: RedisConfig{
			URL:          envStr("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			DSN: envStr("POSTGRES_DSN", ""),
		},
		Kafka: KafkaConfig{
			Brokers: splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			Topic:   envStr("KAFKA_OPS_TOPIC", "resilience.ops"),
		},
		Breaker: BreakerConfig{
			FailureThreshold:  envInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold:  envInt("BREAKER_SUCCESS_THRESHOLD", 2),
			ResetTimeout:      envDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			EvaluationWindow:  envDuration("BREAKER_EVALUATION_WINDOW", time.Minute),
			MaxHalfOpenProbes: envInt("BREAKER_MAX_PROBES", 1),
		},
		Quota: QuotaConfig{
			DefaultScanCredits:  int64(envInt("QUOTA_DEFAULT_SCAN_CREDITS", 100)),
			DefaultMaxSlots:     int64(envInt("QUOTA_DEFAULT_MAX_SLOTS", 3)),
			MaxJobDuration:      envDuration("QUOTA_MAX_JOB_DURATION", 15*time.Minute),
			CreditsFailOpen:     envBool("QUOTA_CREDITS_FAIL_OPEN", true),
			ConcurrencyFailOpen: envBool("QUOTA_CONCURRENCY_FAIL_OPEN", true),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
