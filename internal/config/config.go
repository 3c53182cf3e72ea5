// Package config provides centralized configuration management for the Heimdall sidecar.
// It uses envconfig for environment variable loading and validator for validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvironmentProduction is the production environment identifier
	EnvironmentProduction = "production"
)

// Config holds the complete configuration of the sidecar process.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	SDK           SDKConfig           `envconfig:"SDK"`
	Sidecar       SidecarConfig       `envconfig:"SIDECAR"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"heimdall-sidecar"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load reads configuration from environment variables with the HEIMDALL prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process("HEIMDALL", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation on the loaded configuration using go-playground/validator.
// Redis and PostgreSQL are optional persistence backends and are only
// validated when some of their settings are present.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if err := c.SDK.Validate(c.App.Environment); err != nil {
		return err
	}

	if err := c.Sidecar.Validate(c.App.Environment); err != nil {
		return err
	}

	if c.Database.Requested() {
		if err := c.Database.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if c.Redis.Requested() {
		if err := c.Redis.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if err := c.Observability.Validate(&c.Sidecar); err != nil {
		return err
	}

	return nil
}

// LogConfig logs the current configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.Duration("shutdown_timeout", c.App.ShutdownTimeout),
		slog.String("api_url", c.SDK.APIURL),
		slog.Duration("refresh_interval", c.SDK.RefreshInterval),
		slog.Duration("flush_interval", c.SDK.FlushInterval),
		slog.Int("queue_capacity", c.SDK.QueueCapacity),
		slog.String("overflow_policy", c.SDK.OverflowPolicy),
		slog.String("unrecognized_policy", c.SDK.UnrecognizedPolicy),
		slog.String("http_port", c.Sidecar.HTTPPort),
		slog.String("grpc_port", c.Sidecar.GRPCPort),
		slog.Bool("api_key_required", c.Sidecar.APIKeyHash != ""),
		slog.Bool("bootstrap_file", c.SDK.BootstrapFile != ""),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
	)
}

// Shared validation helper functions

// validatePort checks if port is valid (1-65535)
func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s port must be a number: %w", context, err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", context, portNum)
	}
	return nil
}

// validateHost checks if host is not empty and contains no whitespace
func validateHost(host, context string) error {
	if host == "" {
		return fmt.Errorf("%s host cannot be empty", context)
	}
	if strings.TrimSpace(host) != host {
		return fmt.Errorf("%s host cannot contain whitespace", context)
	}
	return nil
}

// validateNoWhitespace checks if a value is not empty and contains no whitespace
func validateNoWhitespace(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%s cannot contain whitespace", fieldName)
	}
	return nil
}

// errInsecureTransport marks a production endpoint without TLS.
var errInsecureTransport = errors.New("insecure transport")

// endpoint is the common shape of the persistence backends' host settings.
type endpoint struct {
	kind     string
	host     string
	port     string
	password string
	secure   bool
}

// validate checks host and port, and in production a strong password over
// a secure transport.
func (e endpoint) validate(environment string) error {
	if err := validateHost(e.host, e.kind); err != nil {
		return err
	}
	if err := validatePort(e.port, e.kind); err != nil {
		return err
	}
	if environment != EnvironmentProduction {
		return nil
	}
	if e.password == "" {
		return fmt.Errorf("%s password is required in production environment", e.kind)
	}
	if err := validatePasswordStrength(e.password, e.kind, environment); err != nil {
		return err
	}
	if !e.secure {
		return fmt.Errorf("%s: %w", e.kind, errInsecureTransport)
	}
	return nil
}

// validatePasswordStrength checks password meets minimum requirements
func validatePasswordStrength(password, context, environment string) error {
	if environment == EnvironmentProduction {
		if len(password) < 12 {
			return fmt.Errorf("%s password must be at least 12 characters in production", context)
		}
	}
	return nil
}

// isSecureSSLMode checks if SSL mode is production-safe
func isSecureSSLMode(mode string) bool {
	return mode == "require" || mode == "verify-ca" || mode == "verify-full"
}

// parseAndValidateURL is a helper for parsing URLs with scheme validation
func parseAndValidateURL(rawURL string, allowedSchemes []string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	// Validate scheme
	validScheme := slices.Contains(allowedSchemes, parsed.Scheme)
	if !validScheme {
		return nil, fmt.Errorf("invalid scheme '%s', must be one of: %v", parsed.Scheme, allowedSchemes)
	}

	// Validate host is present
	if parsed.Host == "" {
		return nil, fmt.Errorf("host is required in URL")
	}

	return parsed, nil
}
