package dbtesting

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/postgres-mcp/internal/db"
)

type PostgresConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "testdb"
	}
	if cfg.Username == "" {
		cfg.Username = "testuser"
	}
	if cfg.Password == "" {
		cfg.Password = "testpass"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// Postgres is a throwaway PostgreSQL container. Admin is a writable
// connection for fixtures; DBConfig points the read-only layer at the same
// database.
type Postgres struct {
	Admin    *sql.DB
	DBConfig db.Config

	container *tcpostgres.PostgresContainer
}

// NewPostgres starts a container and registers cleanup on t. It skips in
// -short mode.
func NewPostgres(t testing.TB, cfg *PostgresConfig) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := t.Context()
	if cfg == nil {
		cfg = &PostgresConfig{}
	}
	require.NoError(t, cfg.Validate())

	container, err := backoff.Retry(ctx, func() (*tcpostgres.PostgresContainer, error) {
		c, err := tcpostgres.Run(ctx, cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			if isRetryableContainerStartErr(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return c, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	require.NoError(t, err, "failed to start postgres container")

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	port, err := strconv.Atoi(mappedPort.Port())
	require.NoError(t, err)

	dbCfg := db.Config{
		Logger:   slog.Default(),
		Host:     host,
		Port:     port,
		Database: cfg.Database,
		User:     cfg.Username,
		Password: cfg.Password,
	}
	require.NoError(t, dbCfg.Validate())

	// The layer's DSN opens read-only sessions; fixtures need a writable one.
	adminDSN, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	admin, err := sql.Open(db.DriverPgx, adminDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, admin.PingContext(ctx)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(250*time.Millisecond)), backoff.WithMaxTries(20))
	require.NoError(t, err, "postgres container never accepted connections")

	return &Postgres{
		Admin:     admin,
		DBConfig:  dbCfg,
		container: container,
	}
}

// Exec runs fixture statements on the writable admin connection.
func (p *Postgres) Exec(t testing.TB, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		_, err := p.Admin.ExecContext(t.Context(), stmt)
		require.NoError(t, err, fmt.Sprintf("fixture statement failed: %s", stmt))
	}
}

// Connect opens the read-only layer against the container.
func (p *Postgres) Connect(t testing.TB) *db.DB {
	t.Helper()
	d, err := db.Connect(t.Context(), p.DBConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
