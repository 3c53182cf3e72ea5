package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DatabaseConfig configures the optional PostgreSQL snapshot history.
// Setting either URL or Host enables it.
type DatabaseConfig struct {
	// Connection can be specified as a URL or individual components
	URL      string `envconfig:"URL"` // Full connection URL
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`

	// TLS
	SSLMode string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	// Connection Pool
	MaxConns        int           `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// Ping/connection retry settings
	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`

	// HistoryLimit is how many snapshots are kept in the history table.
	HistoryLimit int `envconfig:"HISTORY_LIMIT" default:"20" validate:"min=1"`

	// Scope separates snapshot histories of different SDK keys.
	Scope string `envconfig:"SCOPE" default:"default"`
}

// ConnectionString returns URL when set, or a DSN built from the parts.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return dsn.String()
}

// Validate checks the connection settings. Production requires a strong
// password and a verifying SSL mode unless a URL carries everything.
func (c *DatabaseConfig) Validate(environment string) error {
	if c.URL != "" {
		if err := validatePostgresURL(c.URL); err != nil {
			return fmt.Errorf("invalid database URL: %w", err)
		}
	} else {
		ep := endpoint{kind: "database", host: c.Host, port: c.Port, password: c.Password, secure: isSecureSSLMode(c.SSLMode)}
		if err := ep.validate(environment); err != nil {
			if errors.Is(err, errInsecureTransport) {
				return fmt.Errorf("database SSL mode must be 'require', 'verify-ca', or 'verify-full' in production environment")
			}
			return err
		}
		if err := validateNoWhitespace(c.Name, "database name"); err != nil {
			return err
		}
		if len(c.Name) > maxPostgresIdentifier {
			return fmt.Errorf("database name cannot exceed %d characters", maxPostgresIdentifier)
		}
		if err := validateNoWhitespace(c.User, "database user"); err != nil {
			return err
		}
	}

	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// Requested reports whether any connection setting was provided.
func (c *DatabaseConfig) Requested() bool {
	return c.URL != "" || c.Host != ""
}

// IsConfigured reports whether enough settings are present to connect.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "" && c.Name != "" && c.User != "")
}

// maxPostgresIdentifier is NAMEDATALEN - 1.
const maxPostgresIdentifier = 63

func validatePostgresURL(dbURL string) error {
	parsed, err := parseAndValidateURL(dbURL, []string{"postgres", "postgresql"})
	if err != nil {
		return err
	}
	if parsed.User.Username() == "" {
		return fmt.Errorf("user is required in URL")
	}
	if strings.Trim(parsed.Path, "/") == "" {
		return fmt.Errorf("database name is required in URL path")
	}
	return nil
}
