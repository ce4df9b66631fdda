package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration, loaded once at startup.
type Config struct {
	Service      ServiceConfig
	Database     DatabaseConfig
	Cache        CacheConfig
	Telemetry    TelemetryConfig
	Orchestrator OrchestratorConfig
}

// OrchestratorConfig holds the scheduling/worker/budget ceilings left as
// deployment knobs: node timeout and retry backoff, the zombie sweep, and
// the token/cost ceilings.
type OrchestratorConfig struct {
	NodeTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	ZombieThreshold     time.Duration
	ZombieSweepInterval time.Duration

	MaxTokensPerExecution  int
	MaxCostUSDPerExecution float64
	MaxCostUSDPerEpic      float64
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// CacheConfig holds the in-process cache settings (component-config
// lookups).
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // text with color in development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowmesh"),
			User:        getEnv("POSTGRES_USER", "flowmesh"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowmesh"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		Orchestrator: OrchestratorConfig{
			NodeTimeout:            getEnvDuration("ORCHESTRATOR_NODE_TIMEOUT", 30*time.Second),
			MaxRetries:             getEnvInt("ORCHESTRATOR_MAX_RETRIES", 3),
			RetryBaseDelay:         getEnvDuration("ORCHESTRATOR_RETRY_BASE_DELAY", 2*time.Second),
			RetryMaxDelay:          getEnvDuration("ORCHESTRATOR_RETRY_MAX_DELAY", 2*time.Minute),
			ZombieThreshold:        getEnvDuration("ORCHESTRATOR_ZOMBIE_THRESHOLD", 15*time.Minute),
			ZombieSweepInterval:    getEnvDuration("ORCHESTRATOR_ZOMBIE_SWEEP_INTERVAL", 1*time.Minute),
			MaxTokensPerExecution:  getEnvInt("ORCHESTRATOR_MAX_TOKENS_PER_EXECUTION", 0),
			MaxCostUSDPerExecution: getEnvFloat("ORCHESTRATOR_MAX_COST_USD_PER_EXECUTION", 0),
			MaxCostUSDPerEpic:      getEnvFloat("ORCHESTRATOR_MAX_COST_USD_PER_EPIC", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
