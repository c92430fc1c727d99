package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type fileConfig struct {
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Server struct {
		ListenAddr    string `toml:"listen_addr"`
		PublicBaseURL string `toml:"public_base_url"`
		WebhookSecret string `toml:"webhook_secret"`
		CronSecret    string `toml:"cron_secret"`
		RunLoops      *bool  `toml:"run_loops"`
		MaxBodySize   string `toml:"max_body_size"`
	} `toml:"server"`
	Store struct {
		Driver      string `toml:"driver"`
		DatabaseURL string `toml:"database_url"`
	} `toml:"store"`
	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       *int   `toml:"db"`
		Prefix   string `toml:"prefix"`
	} `toml:"redis"`
	Inference struct {
		PrimaryURL  string  `toml:"primary_url"`
		FallbackURL string  `toml:"fallback_url"`
		APIKey      string  `toml:"api_key"`
		Timeout     string  `toml:"timeout"`
		RateLimit   float64 `toml:"rate_limit"`
		Burst       int     `toml:"burst"`
	} `toml:"inference"`
	S3 struct {
		Bucket       string `toml:"bucket"`
		Region       string `toml:"region"`
		AccessKey    string `toml:"access_key"`
		SecretKey    string `toml:"secret_key"`
		Endpoint     string `toml:"endpoint"`
		UsePathStyle *bool  `toml:"use_path_style"`
		PresignTTL   string `toml:"presign_ttl"`
	} `toml:"s3"`
	Jobs struct {
		MaxRetries          int    `toml:"max_retries"`
		MaxDispatchAttempts int    `toml:"max_dispatch_attempts"`
		QueueBatchSize      int    `toml:"queue_batch_size"`
		QueueInterval       string `toml:"queue_interval"`
		ReconcileBatchSize  int    `toml:"reconcile_batch_size"`
		ReconcileInterval   string `toml:"reconcile_interval"`
		StallThreshold      string `toml:"stall_threshold"`
		MappingRetention    string `toml:"mapping_retention"`
	} `toml:"jobs"`
	Tiers struct {
		Premium *int `toml:"premium"`
		Paid    *int `toml:"paid"`
		Trial   *int `toml:"trial"`
	} `toml:"tiers"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var problems []string
	setDuration := func(dst *time.Duration, name, value string) {
		if value == "" {
			return
		}
		d, ok := parseDuration(value)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", name, value))
			return
		}
		*dst = d
	}

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	setString(&cfg.ListenAddr, fc.Server.ListenAddr)
	setString(&cfg.PublicBaseURL, strings.TrimRight(fc.Server.PublicBaseURL, "/"))
	setString(&cfg.WebhookSecret, fc.Server.WebhookSecret)
	setString(&cfg.CronSecret, fc.Server.CronSecret)
	if fc.Server.RunLoops != nil {
		cfg.RunLoops = *fc.Server.RunLoops
	}
	setString(&cfg.MaxBodySize, fc.Server.MaxBodySize)

	setString(&cfg.StoreDriver, strings.ToLower(fc.Store.Driver))
	setString(&cfg.DatabaseURL, fc.Store.DatabaseURL)

	setString(&cfg.RedisAddr, fc.Redis.Addr)
	setString(&cfg.RedisPassword, fc.Redis.Password)
	setString(&cfg.RedisPrefix, fc.Redis.Prefix)
	if fc.Redis.DB != nil {
		cfg.RedisDB = *fc.Redis.DB
	}

	setString(&cfg.InferencePrimaryURL, fc.Inference.PrimaryURL)
	setString(&cfg.InferenceFallbackURL, fc.Inference.FallbackURL)
	setString(&cfg.InferenceAPIKey, fc.Inference.APIKey)
	setDuration(&cfg.InferenceTimeout, "inference.timeout", fc.Inference.Timeout)
	if fc.Inference.RateLimit > 0 {
		cfg.InferenceRateLimit = fc.Inference.RateLimit
	}
	setInt(&cfg.InferenceBurst, fc.Inference.Burst)

	setString(&cfg.S3Bucket, fc.S3.Bucket)
	setString(&cfg.S3Region, fc.S3.Region)
	setString(&cfg.AWSS3AccessKey, fc.S3.AccessKey)
	setString(&cfg.AWSS3SecretKey, fc.S3.SecretKey)
	setString(&cfg.S3Endpoint, fc.S3.Endpoint)
	if fc.S3.UsePathStyle != nil {
		cfg.S3UsePathStyle = *fc.S3.UsePathStyle
	}
	setDuration(&cfg.PresignTTL, "s3.presign_ttl", fc.S3.PresignTTL)

	setInt(&cfg.MaxRetries, fc.Jobs.MaxRetries)
	setInt(&cfg.MaxDispatchAttempts, fc.Jobs.MaxDispatchAttempts)
	setInt(&cfg.QueueBatchSize, fc.Jobs.QueueBatchSize)
	setDuration(&cfg.QueueInterval, "jobs.queue_interval", fc.Jobs.QueueInterval)
	setInt(&cfg.ReconcileBatchSize, fc.Jobs.ReconcileBatchSize)
	setDuration(&cfg.ReconcileInterval, "jobs.reconcile_interval", fc.Jobs.ReconcileInterval)
	setDuration(&cfg.StallThreshold, "jobs.stall_threshold", fc.Jobs.StallThreshold)
	setDuration(&cfg.MappingRetention, "jobs.mapping_retention", fc.Jobs.MappingRetention)

	if fc.Tiers.Premium != nil {
		cfg.TierLimitPremium = *fc.Tiers.Premium
	}
	if fc.Tiers.Paid != nil {
		cfg.TierLimitPaid = *fc.Tiers.Paid
	}
	if fc.Tiers.Trial != nil {
		cfg.TierLimitTrial = *fc.Tiers.Trial
	}

	if len(problems) > 0 {
		return fmt.Errorf("config file %s: %s", path, strings.Join(problems, "; "))
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}
