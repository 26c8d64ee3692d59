package db

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	DriverPgx = "pgx"
	DriverPq  = "postgres"

	defaultHost            = "localhost"
	defaultPort            = 5432
	defaultSSLMode         = "disable"
	defaultApplicationName = "postgres-mcp"
	defaultConnectTimeout  = 10 * time.Second
)

type Config struct {
	Logger *slog.Logger

	// Driver is the database/sql driver name: "pgx" (default) or "postgres" (lib/pq).
	Driver string

	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	ApplicationName string
	ConnectTimeout  time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Driver == "" {
		c.Driver = DriverPgx
	}
	if c.Driver != DriverPgx && c.Driver != DriverPq {
		return fmt.Errorf("unsupported driver %q (expected %q or %q)", c.Driver, DriverPgx, DriverPq)
	}
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultSSLMode
	}
	if c.ApplicationName == "" {
		c.ApplicationName = defaultApplicationName
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return nil
}

// DSN returns a postgres:// connection URL understood by both pgx and lib/pq.
func (c *Config) DSN() string {
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	// Sent as a startup parameter so the session is read-only before the
	// first statement runs.
	q.Set("default_transaction_read_only", "on")
	if c.ApplicationName != "" {
		q.Set("application_name", c.ApplicationName)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	return u.String()
}

// RedactedDSN is DSN with the password masked, for logging.
func (c *Config) RedactedDSN() string {
	u, err := url.Parse(c.DSN())
	if err != nil {
		return ""
	}
	return u.Redacted()
}
