package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
)

type Config struct {
	LogLevel  string
	LogFormat string

	ListenAddr    string
	PublicBaseURL string
	WebhookSecret string
	CronSecret    string
	RunLoops      bool

	StoreDriver string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	InferencePrimaryURL  string
	InferenceFallbackURL string
	InferenceAPIKey      string
	InferenceTimeout     time.Duration
	InferenceRateLimit   float64
	InferenceBurst       int

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	PresignTTL     time.Duration

	MaxRetries          int
	MaxDispatchAttempts int
	TierLimitPremium    int
	TierLimitPaid       int
	TierLimitTrial      int
	QueueBatchSize      int
	QueueInterval       time.Duration
	ReconcileBatchSize  int
	ReconcileInterval   time.Duration
	StallThreshold      time.Duration
	MappingRetention    time.Duration
	MaxBodySize         string
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Defaults returns the configuration used when neither a config file nor the
// environment sets a value.
func Defaults() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "json",
		ListenAddr:          ":8080",
		PublicBaseURL:       "http://localhost:8080",
		StoreDriver:         StoreDriverPostgres,
		RedisAddr:           "redis:6379",
		RedisDB:             0,
		RedisPrefix:         "transcribe:",
		InferenceTimeout:    30 * time.Second,
		InferenceBurst:      1,
		S3Bucket:            "transcribe-uploads",
		S3Region:            "us-east-1",
		PresignTTL:          6 * time.Hour,
		MaxRetries:          3,
		MaxDispatchAttempts: 5,
		TierLimitPremium:    10,
		TierLimitPaid:       3,
		TierLimitTrial:      1,
		QueueBatchSize:      100,
		QueueInterval:       time.Minute,
		ReconcileBatchSize:  500,
		ReconcileInterval:   5 * time.Minute,
		StallThreshold:      10 * time.Minute,
		MappingRetention:    7 * 24 * time.Hour,
		MaxBodySize:         "10M",
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (or CONFIG_FILE when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL), "/")
	cfg.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.CronSecret = getEnvWithFallback("CRON_SECRET", "TASK_SECRET", cfg.CronSecret)
	cfg.RunLoops = getEnvBool("RUN_LOOPS", cfg.RunLoops)
	cfg.MaxBodySize = getEnv("MAX_BODY_SIZE", cfg.MaxBodySize)

	cfg.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", cfg.StoreDriver))
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	} else if cfg.DatabaseURL == "" || os.Getenv("DB_HOST") != "" {
		cfg.DatabaseURL = buildDatabaseURL()
	}

	redisPrefix := getEnv("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisPrefix = redisPrefix

	cfg.InferencePrimaryURL = getEnv("INFERENCE_PRIMARY_URL", cfg.InferencePrimaryURL)
	cfg.InferenceFallbackURL = getEnv("INFERENCE_FALLBACK_URL", cfg.InferenceFallbackURL)
	cfg.InferenceAPIKey = getEnv("INFERENCE_API_KEY", cfg.InferenceAPIKey)
	cfg.InferenceTimeout = getEnvDuration("INFERENCE_TIMEOUT", cfg.InferenceTimeout)
	cfg.InferenceRateLimit = getEnvFloat("INFERENCE_RATE_LIMIT", cfg.InferenceRateLimit)
	cfg.InferenceBurst = getEnvInt("INFERENCE_BURST", cfg.InferenceBurst)

	cfg.S3Bucket = getEnv("AWS_BUCKET", cfg.S3Bucket)
	// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
	cfg.S3Region = getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", cfg.S3Region)
	cfg.AWSS3AccessKey = getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", cfg.AWSS3AccessKey)
	cfg.AWSS3SecretKey = getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", cfg.AWSS3SecretKey)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", cfg.S3UsePathStyle)
	cfg.PresignTTL = getEnvDuration("S3_PRESIGN_TTL", cfg.PresignTTL)

	cfg.MaxRetries = getEnvInt("JOB_MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxDispatchAttempts = getEnvInt("JOB_MAX_DISPATCH_ATTEMPTS", cfg.MaxDispatchAttempts)
	cfg.TierLimitPremium = getEnvInt("TIER_LIMIT_PREMIUM", cfg.TierLimitPremium)
	cfg.TierLimitPaid = getEnvInt("TIER_LIMIT_PAID", cfg.TierLimitPaid)
	cfg.TierLimitTrial = getEnvInt("TIER_LIMIT_TRIAL", cfg.TierLimitTrial)
	cfg.QueueBatchSize = getEnvInt("QUEUE_BATCH_SIZE", cfg.QueueBatchSize)
	cfg.QueueInterval = getEnvDuration("QUEUE_INTERVAL", cfg.QueueInterval)
	cfg.ReconcileBatchSize = getEnvInt("RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.StallThreshold = getEnvDuration("STALL_THRESHOLD", cfg.StallThreshold)
	cfg.MappingRetention = getEnvDuration("MAPPING_RETENTION", cfg.MappingRetention)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store driver %q must be %q or %q", c.StoreDriver, StoreDriverPostgres, StoreDriverMemory))
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("database url is required for the postgres store"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("max retries must be at least 1"))
	}
	if c.MaxDispatchAttempts < 1 {
		errs = append(errs, errors.New("max dispatch attempts must be at least 1"))
	}
	if n, err := bytes.Parse(c.MaxBodySize); err != nil || n <= 0 {
		errs = append(errs, fmt.Errorf("max body size %q is not a positive size", c.MaxBodySize))
	}
	for name, v := range map[string]int{
		"premium": c.TierLimitPremium,
		"paid":    c.TierLimitPaid,
		"trial":   c.TierLimitTrial,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("tier limit for %s must not be negative", name))
		}
	}
	if c.QueueBatchSize < 1 {
		errs = append(errs, errors.New("queue batch size must be positive"))
	}
	if c.ReconcileBatchSize < 1 {
		errs = append(errs, errors.New("reconcile batch size must be positive"))
	}
	if c.StallThreshold <= 0 {
		errs = append(errs, errors.New("stall threshold must be positive"))
	}
	if c.InferenceTimeout <= 0 {
		errs = append(errs, errors.New("inference timeout must be positive"))
	}
	if c.InferenceRateLimit < 0 {
		errs = append(errs, errors.New("inference rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// WebhookURL is the callback address handed to the inference service.
func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/v1/webhooks/inference"
}

func buildDatabaseURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "transcribe")
	dbUser := getEnv("DB_USERNAME", "transcribe")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLCert := getEnv("DB_SSLCERT", "")
	dbSSLKey := getEnv("DB_SSLKEY", "")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}
	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "10m") or a bare number
// of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, ok := parseDuration(value); ok {
			return d
		}
	}
	return fallback
}

func parseDuration(value string) (time.Duration, bool) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, true
	}
	return 0, false
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
