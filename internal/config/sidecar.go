package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// SidecarConfig configures the HTTP and gRPC evaluation servers.
type SidecarConfig struct {
	Host     string `envconfig:"HOST" default:"0.0.0.0"`
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"50051"`

	// HTTP
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"5s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"` // 512KB

	// gRPC
	MaxConcurrentStreams uint32        `envconfig:"MAX_CONCURRENT_STREAMS" default:"100"`
	KeepaliveTime        time.Duration `envconfig:"KEEPALIVE_TIME" default:"120s"`
	KeepaliveTimeout     time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	MaxConnectionAge     time.Duration `envconfig:"MAX_CONNECTION_AGE" default:"300s"`

	// APIKeyHash is the hex SHA-256 of the key callers must present.
	// Empty disables authentication (development only).
	APIKeyHash string `envconfig:"API_KEY_HASH"`
}

// Validate performs validation on the SidecarConfig.
func (c *SidecarConfig) Validate(environment string) error {
	if err := validateHost(c.Host, "sidecar"); err != nil {
		return err
	}
	if err := validatePort(c.HTTPPort, "sidecar http"); err != nil {
		return err
	}
	if err := validatePort(c.GRPCPort, "sidecar grpc"); err != nil {
		return err
	}
	if c.HTTPPort == c.GRPCPort {
		return fmt.Errorf("sidecar http and grpc ports must differ, both are %s", c.HTTPPort)
	}

	if environment == EnvironmentProduction && c.APIKeyHash == "" {
		return fmt.Errorf("API key hash is required in production environment")
	}
	if c.APIKeyHash != "" {
		if err := validateSHA256Hash(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid API key hash: %w", err)
		}
	}

	return nil
}

// validateSHA256Hash checks if the hash is a valid SHA-256 hex string (64 hex characters)
func validateSHA256Hash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("SHA-256 hash must be 64 characters, got %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	return nil
}
