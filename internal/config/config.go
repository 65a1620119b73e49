package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	App      AppConfig
	Probe    ProbeConfig
	Audit    AuditConfig
	Scoring  ScoringConfig
	Resolver ResolverConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"SERVER_PORT" required:"true"`
	Host            string        `envconfig:"SERVER_HOST" required:"true"`
	BaseURL         string        `envconfig:"SERVER_BASE_URL" required:"true"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" required:"true"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" required:"true"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" required:"true"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" required:"true"`
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" required:"true"`
	Port     string `envconfig:"DB_PORT" required:"true"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	Name     string `envconfig:"DB_NAME" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" required:"true"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" required:"true"`
	MinConns int32  `envconfig:"DB_MIN_CONNS" required:"true"`
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if c.Name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.MinConns <= 0 {
		return fmt.Errorf("min connections must be positive")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections (%d) cannot be greater than max connections (%d)", c.MinConns, c.MaxConns)
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("invalid SSL mode: %s (must be one of: disable, require, verify-ca, verify-full)", c.SSLMode)
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" required:"true"`   // development, staging, production, test
	LogLevel    string `envconfig:"LOG_LEVEL" required:"true"` // debug, info, warn, error
}

// Validate validates the app configuration.
func (c *AppConfig) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be one of: development, staging, production, test)", c.Environment)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}

// ProbeConfig holds configuration for a single destination health check.
type ProbeConfig struct {
	Timeout           time.Duration `envconfig:"PROBE_TIMEOUT" default:"8s"`
	MaxRedirects      int           `envconfig:"PROBE_MAX_REDIRECTS" default:"5"`
	CheckAvailability bool          `envconfig:"PROBE_CHECK_AVAILABILITY" default:"true"`
	RequireTag        bool          `envconfig:"PROBE_REQUIRE_TAG" default:"false"`
	TagPattern        string        `envconfig:"PROBE_TAG_PATTERN" default:"tag="`
	UserAgent         string        `envconfig:"PROBE_USER_AGENT" default:"linkpulse-monitor/1.0"`
}

// Validate validates the probe configuration.
func (c *ProbeConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max redirects cannot be negative")
	}
	if c.RequireTag {
		if c.TagPattern == "" {
			return fmt.Errorf("tag pattern is required when tag checking is enabled")
		}
		if _, err := regexp.Compile(c.TagPattern); err != nil {
			return fmt.Errorf("invalid tag pattern: %w", err)
		}
	}
	return nil
}

// AuditConfig holds configuration for the audit scheduler.
type AuditConfig struct {
	Workers          int           `envconfig:"AUDIT_WORKERS" default:"8"`
	PerDomainWorkers int           `envconfig:"AUDIT_PER_DOMAIN_WORKERS" default:"2"`
	PerDomainRate    float64       `envconfig:"AUDIT_PER_DOMAIN_RATE" default:"2"`
	MaxRetries       int           `envconfig:"AUDIT_MAX_RETRIES" default:"2"`
	BackoffBase      time.Duration `envconfig:"AUDIT_BACKOFF_BASE" default:"500ms"`
	BackoffFactor    float64       `envconfig:"AUDIT_BACKOFF_FACTOR" default:"2"`
	RunDeadline      time.Duration `envconfig:"AUDIT_RUN_DEADLINE" default:"120s"`
	Interval         time.Duration `envconfig:"AUDIT_INTERVAL" default:"0"` // 0 disables periodic audits
}

// Validate validates the audit configuration.
func (c *AuditConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.PerDomainWorkers <= 0 {
		return fmt.Errorf("per-domain worker count must be positive")
	}
	if c.PerDomainWorkers > c.Workers {
		return fmt.Errorf("per-domain worker count (%d) cannot exceed worker count (%d)", c.PerDomainWorkers, c.Workers)
	}
	if c.PerDomainRate <= 0 {
		return fmt.Errorf("per-domain rate must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1")
	}
	if c.RunDeadline <= 0 {
		return fmt.Errorf("run deadline must be positive")
	}
	if c.Interval < 0 {
		return fmt.Errorf("audit interval cannot be negative")
	}
	return nil
}

// ScoringConfig holds the scoring window, penalty weights, and the business
// assumptions behind revenue-loss estimates. The assumptions are deliberately
// configuration, not constants: they are product inputs, not engine rules.
type ScoringConfig struct {
	Window         time.Duration `envconfig:"SCORING_WINDOW" default:"720h"` // 30 days
	CriticalWeight int           `envconfig:"SCORING_CRITICAL_WEIGHT" default:"15"`
	WarningWeight  int           `envconfig:"SCORING_WARNING_WEIGHT" default:"5"`
	MonthlyClicks  float64       `envconfig:"SCORING_MONTHLY_CLICKS" default:"300"`
	ConversionRate float64       `envconfig:"SCORING_CONVERSION_RATE" default:"0.03"`
	AvgOrderValue  float64       `envconfig:"SCORING_AVG_ORDER_VALUE" default:"45"`
	CommissionRate float64       `envconfig:"SCORING_COMMISSION_RATE" default:"0.04"`
	EstimateBand   float64       `envconfig:"SCORING_ESTIMATE_BAND" default:"0.2"`
}

// Validate validates the scoring configuration.
func (c *ScoringConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("scoring window must be positive")
	}
	if c.CriticalWeight < 0 || c.WarningWeight < 0 {
		return fmt.Errorf("penalty weights cannot be negative")
	}
	if c.MonthlyClicks < 0 {
		return fmt.Errorf("monthly clicks assumption cannot be negative")
	}
	if c.ConversionRate < 0 || c.ConversionRate > 1 {
		return fmt.Errorf("conversion rate must be between 0 and 1, got %f", c.ConversionRate)
	}
	if c.AvgOrderValue < 0 {
		return fmt.Errorf("average order value cannot be negative")
	}
	if c.CommissionRate < 0 || c.CommissionRate > 1 {
		return fmt.Errorf("commission rate must be between 0 and 1, got %f", c.CommissionRate)
	}
	if c.EstimateBand < 0 || c.EstimateBand >= 1 {
		return fmt.Errorf("estimate band must be in [0, 1), got %f", c.EstimateBand)
	}
	return nil
}

// ResolverConfig holds configuration for the redirect resolver.
type ResolverConfig struct {
	MinHealthyCycles int           `envconfig:"RESOLVER_MIN_HEALTHY_CYCLES" default:"2"`
	ClickFlushSize   int           `envconfig:"RESOLVER_CLICK_FLUSH_SIZE" default:"64"`
	ClickFlushEvery  time.Duration `envconfig:"RESOLVER_CLICK_FLUSH_EVERY" default:"5s"`
	ClickWorkers     int           `envconfig:"RESOLVER_CLICK_WORKERS" default:"2"`
}

// Validate validates the resolver configuration.
func (c *ResolverConfig) Validate() error {
	if c.MinHealthyCycles < 1 {
		return fmt.Errorf("min healthy cycles must be at least 1")
	}
	if c.ClickFlushSize <= 0 {
		return fmt.Errorf("click flush size must be positive")
	}
	if c.ClickFlushEvery <= 0 {
		return fmt.Errorf("click flush interval must be positive")
	}
	if c.ClickWorkers <= 0 {
		return fmt.Errorf("click worker count must be positive")
	}
	return nil
}

// Load loads configuration from environment variables only.
// (Do .env loading in cmd/server/main.go for dev, not here.)
func Load() (*Config, error) {
	cfg := &Config{}

	sections := []struct {
		name     string
		target   any
		validate func() error
	}{
		{"Server", &cfg.Server, func() error { return cfg.Server.Validate() }},
		{"Database", &cfg.Database, func() error { return cfg.Database.Validate() }},
		{"App", &cfg.App, func() error { return cfg.App.Validate() }},
		{"Probe", &cfg.Probe, func() error { return cfg.Probe.Validate() }},
		{"Audit", &cfg.Audit, func() error { return cfg.Audit.Validate() }},
		{"Scoring", &cfg.Scoring, func() error { return cfg.Scoring.Validate() }},
		{"Resolver", &cfg.Resolver, func() error { return cfg.Resolver.Validate() }},
	}

	for _, s := range sections {
		if err := envconfig.Process("", s.target); err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", s.name, err)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}

	return cfg, nil
}
