// Package config loads the environment variables the core observes directly
// (spec.md §6) from the process environment only (no command-line flags),
// extended with the SPEC_FULL ambient-stack additions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
)

// Config holds every environment-driven setting the core reads directly.
type Config struct {
	StoreURI    string
	CacheURI    string
	CacheTTL    time.Duration
	QueueURI    string
	QueueName   string

	UpstreamAPIKey          string
	UpstreamDefaultNetwork  string
	CurrentPriceThreshold   time.Duration

	WorkerConcurrency    int
	QueueRetryMaxAttempts int
	QueueRetryBaseDelay   time.Duration

	OTelTracingEnabled bool

	HTTPAddr string
	LogLevel string
}

// Load reads Config from the environment. It never fails on a missing
// optional value — consumers decide how to handle an empty one (e.g. the
// composition root falls back to an in-memory store without STORE_URI).
func Load() (*Config, error) {
	cfg := &Config{
		StoreURI:               os.Getenv("STORE_URI"),
		CacheURI:                os.Getenv("CACHE_URI"),
		CacheTTL:                envDurationSeconds("CACHE_TTL_SECONDS", 3600),
		QueueURI:                os.Getenv("QUEUE_URI"),
		QueueName:               envOrDefault("QUEUE_NAME", "backfill"),
		UpstreamDefaultNetwork:  envOrDefault("UPSTREAM_DEFAULT_NETWORK", "ethereum"),
		CurrentPriceThreshold:   envDurationHours("UPSTREAM_CURRENT_PRICE_THRESHOLD_HOURS", 24),
		WorkerConcurrency:       envInt("WORKER_CONCURRENCY", 5),
		QueueRetryMaxAttempts:   envInt("QUEUE_RETRY_MAX_ATTEMPTS", 3),
		QueueRetryBaseDelay:     envDurationMillis("QUEUE_RETRY_BASE_DELAY_MS", 5000),
		OTelTracingEnabled:      envOrDefault("OTEL_TRACING_ENABLED", "false") == "true",
		HTTPAddr:                envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
	}

	apiKey := os.Getenv("UPSTREAM_API_KEY")
	if arn := os.Getenv("AWS_SECRETS_UPSTREAM_KEY_ARN"); arn != "" {
		resolved, err := resolveUpstreamKeyFromSecretsManager(arn)
		if err != nil {
			return nil, fmt.Errorf("resolving upstream API key from secrets manager: %w", err)
		}
		apiKey = resolved
	}
	cfg.UpstreamAPIKey = apiKey

	return cfg, nil
}

// resolveUpstreamKeyFromSecretsManager fetches UPSTREAM_API_KEY from AWS
// Secrets Manager instead of the environment, for operators who prefer not
// to place the upstream provider's key in process env (SPEC_FULL AMBIENT STACK).
func resolveUpstreamKeyFromSecretsManager(secretARN string) (string, error) {
	sess, err := session.NewSession()
	if err != nil {
		return "", fmt.Errorf("creating AWS session: %w", err)
	}
	svc := secretsmanager.New(sess)
	out, err := svc.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %s: %w", secretARN, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretARN)
	}
	return *out.SecretString, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envDurationHours(key string, defHours int) time.Duration {
	return time.Duration(envInt(key, defHours)) * time.Hour
}

func envDurationMillis(key string, defMillis int) time.Duration {
	return time.Duration(envInt(key, defMillis)) * time.Millisecond
}
