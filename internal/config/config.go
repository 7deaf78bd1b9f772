package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// visibilityMargin is the minimum slack between PROCESSING_TIMEOUT and
// RETRY_VISIBILITY_TIMEOUT.
const visibilityMargin = time.Minute

type Config struct {
	ServiceName    string
	DatabaseURL    string
	HTTPListenAddr string
	MetricsAddr    string
	LogLevel       string

	// WorkerID names this consumer inside the queue's consumer group.
	WorkerID string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RedisTLSEnabled    bool
	RedisTLSCert       string
	RedisTLSKey        string
	RedisTLSCACert     string
	RedisTLSServerName string

	QueueName              string
	BatchSize              int
	MaxRetries             int
	RetryVisibilityTimeout time.Duration
	ProcessingTimeout      time.Duration

	DockerHost      string
	SandboxTimeout  time.Duration
	SandboxMemoryMB int

	PlatformAPIToken  string
	PlatformAccountID string
	PlatformDomain    string

	ArtifactBucket string
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
}

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:    getEnv("SERVICE_NAME", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		WorkerID:       getEnv("WORKER_ID", hostnameOr("worker")),

		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLSCert:       getEnv("REDIS_TLS_CERT", ""),
		RedisTLSKey:        getEnv("REDIS_TLS_KEY", ""),
		RedisTLSCACert:     getEnv("REDIS_TLS_CA_CERT", ""),
		RedisTLSServerName: getEnv("REDIS_TLS_SERVER_NAME", ""),

		QueueName: getEnv("QUEUE_NAME", "deployments"),

		DockerHost: getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),

		PlatformAPIToken:  getEnv("PLATFORM_API_TOKEN", ""),
		PlatformAccountID: getEnv("PLATFORM_ACCOUNT_ID", ""),
		PlatformDomain:    getEnv("PLATFORM_DOMAIN", "workers.dev"),

		ArtifactBucket: getEnv("ARTIFACT_BUCKET", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLSEnabled, err = getEnvBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getEnvInt("BATCH_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.RetryVisibilityTimeout, err = getEnvDuration("RETRY_VISIBILITY_TIMEOUT", 16*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ProcessingTimeout, err = getEnvDuration("PROCESSING_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SandboxTimeout, err = getEnvDuration("SANDBOX_TIMEOUT", 20*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SandboxMemoryMB, err = getEnvInt("SANDBOX_MEMORY_MB", 2048); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the settings required by the given binary are present.
// Roles: "deploy-api", "worker".
func (c *Config) Validate(role string) error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch role {
	case "deploy-api":
		require("DATABASE_URL", c.DatabaseURL)
		require("REDIS_ADDR", c.RedisAddr)
		require("QUEUE_NAME", c.QueueName)
		require("HTTP_LISTEN_ADDR", c.HTTPListenAddr)
	case "worker":
		require("DATABASE_URL", c.DatabaseURL)
		require("REDIS_ADDR", c.RedisAddr)
		require("QUEUE_NAME", c.QueueName)
		require("WORKER_ID", c.WorkerID)
		require("DOCKER_HOST", c.DockerHost)
		require("PLATFORM_DOMAIN", c.PlatformDomain)
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if (c.RedisTLSCert == "") != (c.RedisTLSKey == "") {
		return fmt.Errorf("REDIS_TLS_CERT and REDIS_TLS_KEY must both be set")
	}
	if role == "worker" {
		if c.BatchSize <= 0 {
			return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
		}
		if c.MaxRetries < 0 {
			return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
		}
		// A message must not become reclaimable while its workflow may still run.
		if c.RetryVisibilityTimeout < c.ProcessingTimeout+visibilityMargin {
			return fmt.Errorf("RETRY_VISIBILITY_TIMEOUT (%s) must exceed PROCESSING_TIMEOUT (%s) by at least %s",
				c.RetryVisibilityTimeout, c.ProcessingTimeout, visibilityMargin)
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func hostnameOr(fallback string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fallback
	}
	return h
}
