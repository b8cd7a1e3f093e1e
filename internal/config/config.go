package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr   string

	CodeTTL          time.Duration
	BiometricURL     string
	BiometricTimeout time.Duration

	TriageSourceURL string
	TriageTimeout   time.Duration
	TriageCacheTTL  time.Duration

	CalledDisplayLimit int
	AllocMaxRetries    int

	AnnounceInterval  time.Duration
	AnnounceBatchSize int

	RateLimitPerMinute      int
	RateLimitBurst          int
	PhoneRateLimitPerMinute int
	PhoneRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		CodeTTL:          readDurationSeconds("CODE_TTL_SECONDS", 300),
		BiometricURL:     os.Getenv("BIOMETRIC_URL"),
		BiometricTimeout: readDurationSeconds("BIOMETRIC_TIMEOUT_SECONDS", 10),

		TriageSourceURL: os.Getenv("TRIAGE_SOURCE_URL"),
		TriageTimeout:   readDurationSeconds("TRIAGE_TIMEOUT_SECONDS", 10),
		TriageCacheTTL:  readDurationSeconds("TRIAGE_CACHE_TTL_SECONDS", 300),

		CalledDisplayLimit: readInt("CALLED_DISPLAY_LIMIT", 3),
		AllocMaxRetries:    readInt("ALLOC_MAX_RETRIES", 5),

		AnnounceInterval:  readDurationSeconds("ANNOUNCE_INTERVAL_SECONDS", 1),
		AnnounceBatchSize: readInt("ANNOUNCE_BATCH_SIZE", 100),

		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		PhoneRateLimitPerMinute: readInt("PHONE_RATE_LIMIT_PER_MIN", 5),
		PhoneRateLimitBurst:     readInt("PHONE_RATE_LIMIT_BURST", 3),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
