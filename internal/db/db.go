// Package db owns the single read-only database session shared by every tool
// call. All access to the session is serialized.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/malbeclabs/postgres-mcp/internal/metrics"
)

const (
	readOnlySessionSQL = "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"
	rollbackSQL        = "ROLLBACK"

	sessionResetTimeout = 5 * time.Second

	txStatusIdle = 'I'
)

type Column struct {
	Name         string `json:"name"`
	DatabaseType string `json:"database_type"`
}

// Row is one result row, values in column order.
type Row []any

type ResultSet struct {
	Columns []Column
	Rows    []Row
}

func (r *ResultSet) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, col := range r.Columns {
		names[i] = col.Name
	}
	return names
}

func (r *ResultSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

type DB struct {
	log *slog.Logger
	cfg Config

	db   *sql.DB
	conn *sql.Conn
	mu   sync.Mutex
}

// Connect opens the database, pins one connection and marks its session
// read-only. The connection runs in autocommit mode; a transaction opened by
// a statement does not outlive the call that opened it.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate database config: %w", err)
	}

	cfg.Logger.Info("db: connecting", "driver", cfg.Driver, "dsn", cfg.RedactedDSN())

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d, err := New(ctx, cfg, sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	cfg.Logger.Info("db: connected", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "user", cfg.User)
	return d, nil
}

// New takes ownership of an opened *sql.DB, limits it to the one pinned
// session and prepares that session the same way Connect does.
func New(ctx context.Context, cfg Config, sqlDB *sql.DB) (*DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := sqlDB.Conn(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	if _, err := conn.ExecContext(connectCtx, readOnlySessionSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set session read-only: %w", err)
	}

	var result int
	if err := conn.QueryRowContext(connectCtx, "SELECT 1").Scan(&result); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to test connection: %w", err)
	}
	if result != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected result from connection test: got %d, expected 1", result)
	}

	return &DB{
		log:  cfg.Logger,
		cfg:  cfg,
		db:   sqlDB,
		conn: conn,
	}, nil
}

// Execute runs query on the shared session and returns the fully buffered
// result. Callers queue on the session lock. After every statement the
// session is reset so one call cannot change what the next one sees. Driver
// errors are returned wrapped; use ErrorMessage to render them.
func (d *DB) Execute(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	res, err := d.execute(ctx, query, args...)

	// The caller's context may already be done; the session must be reset
	// regardless.
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionResetTimeout)
	if resetErr := d.resetSession(resetCtx); resetErr != nil {
		d.log.Error("db: failed to reset session", "error", resetErr)
		if err == nil {
			res, err = nil, resetErr
		}
	}
	cancel()

	duration := time.Since(start)
	metrics.QueryDuration.Observe(duration.Seconds())

	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		d.log.Debug("db: query failed", "error", err, "duration", duration)
		return nil, err
	}

	metrics.QueriesTotal.WithLabelValues("success").Inc()
	metrics.QueryRowsReturned.Observe(float64(len(res.Rows)))
	d.log.Debug("db: query executed", "rows", len(res.Rows), "duration", duration)
	return res, nil
}

func (d *DB) execute(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	columns := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = Column{
			Name:         ct.Name(),
			DatabaseType: ct.DatabaseTypeName(),
		}
	}

	resultRows := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, val := range values {
			row[i] = normalizeValue(val, columns[i].DatabaseType)
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &ResultSet{
		Columns: columns,
		Rows:    resultRows,
	}, nil
}

// resetSession undoes whatever the last statement left behind on the shared
// session: an open or aborted transaction is rolled back and the read-only
// default is applied again.
func (d *DB) resetSession(ctx context.Context) error {
	if d.txStatus() != txStatusIdle {
		if _, err := d.conn.ExecContext(ctx, rollbackSQL); err != nil {
			return fmt.Errorf("failed to roll back open transaction: %w", err)
		}
	}
	if _, err := d.conn.ExecContext(ctx, readOnlySessionSQL); err != nil {
		return fmt.Errorf("failed to restore read-only session: %w", err)
	}
	return nil
}

// txStatus returns the server's transaction status byte ('I' idle, 'T' in a
// transaction, 'E' in a failed transaction). Drivers that do not expose it
// report 0, which is treated as not idle.
func (d *DB) txStatus() byte {
	var status byte
	_ = d.conn.Raw(func(driverConn any) error {
		if c, ok := driverConn.(*stdlib.Conn); ok {
			status = c.Conn().PgConn().TxStatus()
		}
		return nil
	})
	return status
}

func (d *DB) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.PingContext(ctx)
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	connErr := d.conn.Close()
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	if connErr != nil {
		return fmt.Errorf("failed to close connection: %w", connErr)
	}
	return nil
}
