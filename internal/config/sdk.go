package config

import (
	"fmt"
	"time"
)

// SDKConfig configures the client hosted by the sidecar.
type SDKConfig struct {
	// Key is the server secret sent with every request to the API.
	Key string `envconfig:"KEY" validate:"required"`

	APIURL    string `envconfig:"API_URL" default:"https://api.heimdall.dev/v1" validate:"required"`
	EventsURL string `envconfig:"EVENTS_URL"` // defaults to APIURL

	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"10s" validate:"min=1s"`
	InitTimeout     time.Duration `envconfig:"INIT_TIMEOUT" default:"3s" validate:"gt=0"`
	HTTPTimeout     time.Duration `envconfig:"HTTP_TIMEOUT" default:"3s" validate:"gt=0"`
	FallbackTimeout time.Duration `envconfig:"FALLBACK_TIMEOUT" default:"3s" validate:"gt=0"`

	// Exposure logging
	FlushInterval   time.Duration `envconfig:"FLUSH_INTERVAL" default:"60s" validate:"min=1s"`
	QueueCapacity   int           `envconfig:"QUEUE_CAPACITY" default:"1000" validate:"min=1"`
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"500" validate:"min=1"`
	MaxFlushRetries int           `envconfig:"MAX_FLUSH_RETRIES" default:"3" validate:"min=0,max=10"`
	OverflowPolicy  string        `envconfig:"OVERFLOW_POLICY" default:"drop_oldest" validate:"oneof=drop_oldest drop_newest"`
	DedupeWindow    time.Duration `envconfig:"DEDUPE_WINDOW" default:"0s" validate:"min=0"`
	DedupeCapacity  int           `envconfig:"DEDUPE_CAPACITY" default:"100000" validate:"min=1"`

	// UnrecognizedPolicy decides what happens to checks of unknown specs.
	UnrecognizedPolicy string `envconfig:"UNRECOGNIZED_POLICY" default:"fail_closed" validate:"oneof=fail_closed fail_open delegate"`

	// Bootstrap
	BootstrapFile  string `envconfig:"BOOTSTRAP_FILE"`
	WatchBootstrap bool   `envconfig:"WATCH_BOOTSTRAP" default:"false"`

	// EnvironmentTier is applied to users that do not carry one.
	EnvironmentTier string `envconfig:"ENVIRONMENT_TIER"`
}

// Validate checks the cross-field rules of SDKConfig.
func (c *SDKConfig) Validate(environment string) error {
	if err := validateNoWhitespace(c.Key, "sdk key"); err != nil {
		return err
	}

	if err := validateAPIURL(c.APIURL, environment); err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	if c.EventsURL != "" {
		if err := validateAPIURL(c.EventsURL, environment); err != nil {
			return fmt.Errorf("invalid events url: %w", err)
		}
	}

	if c.BatchSize > c.QueueCapacity {
		return fmt.Errorf("batch_size (%d) cannot be greater than queue_capacity (%d)", c.BatchSize, c.QueueCapacity)
	}

	if c.WatchBootstrap && c.BootstrapFile == "" {
		return fmt.Errorf("watch_bootstrap requires bootstrap_file")
	}

	return nil
}

// Events returns the base URL for exposure submission.
func (c *SDKConfig) Events() string {
	if c.EventsURL != "" {
		return c.EventsURL
	}
	return c.APIURL
}

func validateAPIURL(raw, environment string) error {
	parsed, err := parseAndValidateURL(raw, []string{"http", "https"})
	if err != nil {
		return err
	}
	if environment == EnvironmentProduction && parsed.Scheme != "https" {
		return fmt.Errorf("https is required in production environment")
	}
	if parsed.RawQuery != "" {
		return fmt.Errorf("query parameters are not allowed")
	}
	return nil
}
