// Package config holds the automation engine's process configuration, loaded
// from the environment (optionally seeded from a .env file).
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"github.com/ukleadgen/leadgen-backend/pkg/env"
)

type Config struct {
	devMode bool

	// Scheduler
	maxConcurrentTasks int

	// Retry defaults
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration

	// Result cache
	cacheDefaultTTL    time.Duration
	cacheMaxEntries    int
	cacheSweepInterval time.Duration
	cacheMandatory     bool

	// Campaign behavior
	campaignTimeout      time.Duration
	stopOnErrorCount     int
	countBlockedAsFailed bool

	// Monitoring
	metricsExportInterval time.Duration

	// Control API
	apiPort string

	// ScyllaDB Host and Port
	databaseEnabled  bool
	databaseHost     string
	databaseHostPort string
	databaseKeyspace string
}

var cfg Config

// Init loads the configuration. A missing .env file is not an error; the
// environment alone is enough.
func Init() error {
	_ = godotenv.Load()
	cfg = Config{
		devMode:               env.GetEnvBool("DEV_MODE", false),
		maxConcurrentTasks:    env.GetEnvInt("MAX_CONCURRENT_TASKS", 2),
		retryMaxAttempts:      env.GetEnvInt("RETRY_MAX_ATTEMPTS", 3),
		retryBaseDelay:        env.GetEnvDuration("RETRY_BASE_DELAY", time.Second),
		retryMaxDelay:         env.GetEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
		cacheDefaultTTL:       env.GetEnvDuration("CACHE_DEFAULT_TTL", 30*time.Minute),
		cacheMaxEntries:       env.GetEnvInt("CACHE_MAX_ENTRIES", 1000),
		cacheSweepInterval:    env.GetEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),
		cacheMandatory:        env.GetEnvBool("CACHE_MANDATORY", false),
		campaignTimeout:       env.GetEnvDuration("CAMPAIGN_TIMEOUT", 24*time.Hour),
		stopOnErrorCount:      env.GetEnvInt("STOP_ON_ERROR_COUNT", 10),
		countBlockedAsFailed:  env.GetEnvBool("COUNT_BLOCKED_AS_FAILED", false),
		metricsExportInterval: env.GetEnvDuration("METRICS_EXPORT_INTERVAL", time.Minute),
		apiPort:               env.GetEnv("ENGINE_API_PORT", "9010"),
		databaseEnabled:       env.GetEnvBool("DATABASE_ENABLED", false),
		databaseHost:          env.GetEnv("DATABASE_HOST", "localhost"),
		databaseHostPort:      env.GetEnv("DATABASE_HOST_PORT", "9042"),
		databaseKeyspace:      env.GetEnv("DATABASE_KEYSPACE", "leadgen"),
	}
	if err := validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validateConfig() error {
	if cfg.maxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be >= 1, got %d", cfg.maxConcurrentTasks)
	}
	if cfg.retryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", cfg.retryMaxAttempts)
	}
	if cfg.retryBaseDelay <= 0 || cfg.retryMaxDelay <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	if cfg.cacheMaxEntries < 1 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be >= 1, got %d", cfg.cacheMaxEntries)
	}
	if cfg.campaignTimeout <= 0 {
		return fmt.Errorf("CAMPAIGN_TIMEOUT must be positive")
	}
	if cfg.stopOnErrorCount < 1 {
		return fmt.Errorf("STOP_ON_ERROR_COUNT must be >= 1, got %d", cfg.stopOnErrorCount)
	}
	return nil
}

// IsDevMode returns whether the service is running in development mode
func IsDevMode() bool {
	return cfg.devMode
}

// GetMaxConcurrentTasks returns the worker slot count
func GetMaxConcurrentTasks() int {
	return cfg.maxConcurrentTasks
}

// GetRetryMaxAttempts returns the default retry attempt cap
func GetRetryMaxAttempts() int {
	return cfg.retryMaxAttempts
}

// GetRetryBaseDelay returns the default retry base delay
func GetRetryBaseDelay() time.Duration {
	return cfg.retryBaseDelay
}

// GetRetryMaxDelay returns the default retry delay clamp
func GetRetryMaxDelay() time.Duration {
	return cfg.retryMaxDelay
}

// GetCacheDefaultTTL returns the default result cache TTL
func GetCacheDefaultTTL() time.Duration {
	return cfg.cacheDefaultTTL
}

// GetCacheMaxEntries returns the result cache capacity
func GetCacheMaxEntries() int {
	return cfg.cacheMaxEntries
}

// GetCacheSweepInterval returns how often expired cache entries are swept
func GetCacheSweepInterval() time.Duration {
	return cfg.cacheSweepInterval
}

// IsCacheMandatory returns whether a cache failure should fail the engine
func IsCacheMandatory() bool {
	return cfg.cacheMandatory
}

// GetCampaignTimeout returns the campaign-level deadline
func GetCampaignTimeout() time.Duration {
	return cfg.campaignTimeout
}

// GetStopOnErrorCount returns how many failed tasks stop a campaign early
func GetStopOnErrorCount() int {
	return cfg.stopOnErrorCount
}

// CountBlockedAsFailed returns whether blocked tasks count into the
// success-rate denominator
func CountBlockedAsFailed() bool {
	return cfg.countBlockedAsFailed
}

// GetMetricsExportInterval returns the periodic monitor export interval
func GetMetricsExportInterval() time.Duration {
	return cfg.metricsExportInterval
}

// GetAPIPort returns the control API port
func GetAPIPort() string {
	return cfg.apiPort
}

// IsDatabaseEnabled returns whether the Cassandra sink should be used
func IsDatabaseEnabled() bool {
	return cfg.databaseEnabled
}

// GetDatabaseHost returns the database host
func GetDatabaseHost() string {
	return cfg.databaseHost
}

// GetDatabaseHostPort returns the database host port
func GetDatabaseHostPort() string {
	return cfg.databaseHostPort
}

// GetDatabaseKeyspace returns the database keyspace
func GetDatabaseKeyspace() string {
	return cfg.databaseKeyspace
}
