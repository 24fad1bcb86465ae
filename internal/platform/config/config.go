package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// API captures everything the ingest-api binary needs. Defaults are tuned for
// local development; production overrides come from the environment.
type API struct {
	Addr              string
	APIKey            string
	TrustedProxyCIDRs []string

	GlobalPermitLimit   int
	GlobalWindowSeconds int
	BurstCapacity       int
	TokensPerSecond     int

	HealthPollInterval time.Duration

	Redis RedisConfig
	Kafka KafkaConfig
}

// Processor captures configuration for the queue-consuming binary.
type Processor struct {
	MaxConcurrent     int
	BackpressurePoll  time.Duration
	CartCheckDelay    time.Duration
	ArchiveTTL        time.Duration
	Redis             RedisConfig
	Kafka             KafkaConfig
}

// RedisConfig mirrors the knobs the platform redis client applies on connect.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig names the queue endpoints shared by both binaries.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	DeadLetter    string
	ConsumerGroup string
}

// APIFromEnv builds an API config from environment variables so main stays lean.
func APIFromEnv() API {
	return API{
		Addr:                envStr("PULSEGATE_ADDR", ":8080"),
		APIKey:              envStr("PULSEGATE_API_KEY", "dev-secret-key"),
		TrustedProxyCIDRs:   envList("PULSEGATE_TRUSTED_PROXIES", "127.0.0.1/32"),
		GlobalPermitLimit:   envInt("PULSEGATE_GLOBAL_PERMIT_LIMIT", 10000),
		GlobalWindowSeconds: envInt("PULSEGATE_GLOBAL_WINDOW_SECONDS", 60),
		BurstCapacity:       envInt("PULSEGATE_BURST_CAPACITY", 100),
		TokensPerSecond:     envInt("PULSEGATE_TOKENS_PER_SECOND", 10),
		HealthPollInterval:  envDur("PULSEGATE_HEALTH_POLL_INTERVAL", 15*time.Second),
		Redis:               redisFromEnv(),
		Kafka:               kafkaFromEnv(),
	}
}

// ProcessorFromEnv builds a Processor config from environment variables.
func ProcessorFromEnv() Processor {
	return Processor{
		MaxConcurrent:    envInt("PULSEGATE_MAX_CONCURRENT", 16),
		BackpressurePoll: envDur("PULSEGATE_BACKPRESSURE_POLL", 30*time.Second),
		CartCheckDelay:   envDur("PULSEGATE_CART_CHECK_DELAY", time.Minute),
		ArchiveTTL:       envDur("PULSEGATE_ARCHIVE_TTL", 30*24*time.Hour),
		Redis:            redisFromEnv(),
		Kafka:            kafkaFromEnv(),
	}
}

func redisFromEnv() RedisConfig {
	return RedisConfig{
		URL:          envStr("PULSEGATE_REDIS_URL", "redis://localhost:6379/0"),
		PoolSize:     envInt("PULSEGATE_REDIS_POOL_SIZE", 10),
		MinIdleConns: envInt("PULSEGATE_REDIS_MIN_IDLE", 2),
		DialTimeout:  envDur("PULSEGATE_REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDur("PULSEGATE_REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: envDur("PULSEGATE_REDIS_WRITE_TIMEOUT", 3*time.Second),
	}
}

func kafkaFromEnv() KafkaConfig {
	topic := envStr("PULSEGATE_KAFKA_TOPIC", "events-ingestion")
	return KafkaConfig{
		Brokers:       envList("PULSEGATE_KAFKA_BROKERS", "localhost:9092"),
		Topic:         topic,
		DeadLetter:    envStr("PULSEGATE_KAFKA_DLQ", topic+".dlq"),
		ConsumerGroup: envStr("PULSEGATE_KAFKA_GROUP", "event-processor"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key, def string) []string {
	raw := envStr(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
