// Package config loads the database connection bundle used by the MCP
// server entry points.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/postgres-mcp/internal/db"
)

const (
	DefaultPath    = "./config/database/postgres.yaml"
	DefaultEnvFile = ".env"

	EnvHost     = "POSTGRES_HOST"
	EnvPort     = "POSTGRES_PORT"
	EnvDatabase = "POSTGRES_DB"
	EnvUser     = "POSTGRES_USER"
	EnvPassword = "POSTGRES_PASSWORD"
	EnvSSLMode  = "POSTGRES_SSLMODE"
	EnvDriver   = "POSTGRES_DRIVER"
)

// Database is the connection bundle read from the YAML config file.
type Database struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"sslmode"`
	Driver          string `yaml:"driver"`
	ApplicationName string `yaml:"application_name"`
}

// Load reads the YAML file at path and applies POSTGRES_* environment
// overrides. A missing file is not an error; the environment may carry the
// whole configuration.
func Load(path string) (*Database, error) {
	cfg := &Database{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads a dotenv file into the process environment if it exists.
// Variables already set in the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}

func (c *Database) applyEnv() error {
	if v := os.Getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Port = port
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database = v
	}
	if v := os.Getenv(EnvUser); v != "" {
		c.User = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Password = v
	}
	if v := os.Getenv(EnvSSLMode); v != "" {
		c.SSLMode = v
	}
	if v := os.Getenv(EnvDriver); v != "" {
		c.Driver = v
	}
	return nil
}

// DBConfig converts the bundle into the data access layer configuration.
func (c *Database) DBConfig(log *slog.Logger) db.Config {
	return db.Config{
		Logger:          log,
		Driver:          c.Driver,
		Host:            c.Host,
		Port:            c.Port,
		Database:        c.Database,
		User:            c.User,
		Password:        c.Password,
		SSLMode:         c.SSLMode,
		ApplicationName: c.ApplicationName,
	}
}
