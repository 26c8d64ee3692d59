package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	sqltools "github.com/malbeclabs/postgres-mcp/internal/tools/sql"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	AllowedTokensEnvVar = "POSTGRES_MCP_ALLOWED_TOKENS"

	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// AllTools lists every tool the server knows how to register.
var AllTools = []string{
	sqltools.QueryToolName,
	sqltools.TableNamesToolName,
	sqltools.TableSchemaToolName,
}

type DB interface {
	sqltools.DB
	Ping(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
	DB     DB

	Version    string
	Transport  string
	ListenAddr string

	// Tools selects which tools are registered. Empty means all of them.
	Tools []string

	AllowEmptyResults bool

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedTokens     []string // Bearer tokens allowed for the streamable HTTP endpoint
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.DB == nil {
		return fmt.Errorf("database is required")
	}
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	switch c.Transport {
	case TransportStdio:
	case TransportHTTP:
		if c.ListenAddr == "" {
			return fmt.Errorf("listen address is required for http transport")
		}
	default:
		return fmt.Errorf("unsupported transport %q (want %s or %s)", c.Transport, TransportStdio, TransportHTTP)
	}
	if len(c.Tools) == 0 {
		c.Tools = slices.Clone(AllTools)
	}
	for _, name := range c.Tools {
		if !slices.Contains(AllTools, name) {
			return fmt.Errorf("unknown tool %q", name)
		}
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

// AllowedTokensFromEnv reads the comma-separated bearer token list. An unset
// or blank variable disables authentication.
func AllowedTokensFromEnv() []string {
	raw := os.Getenv(AllowedTokensEnvVar)
	if raw == "" {
		return nil
	}
	var tokens []string
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}
