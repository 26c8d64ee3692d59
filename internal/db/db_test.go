package db

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mock.ExpectExec(regexp.QuoteMeta(readOnlySessionSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))

	d, err := New(t.Context(), Config{Logger: testLogger(t)}, sqlDB)
	require.NoError(t, err)
	return d, mock
}

// expectSessionReset queues the statements Execute issues after every query
// on a driver that does not report its transaction status.
func expectSessionReset(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(rollbackSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(readOnlySessionSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgresMCP_DB_New(t *testing.T) {
	t.Parallel()

	t.Run("marks session read-only and tests connection", func(t *testing.T) {
		t.Parallel()

		_, mock := newMockDB(t)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requires logger", func(t *testing.T) {
		t.Parallel()

		sqlDB, _, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		d, err := New(t.Context(), Config{}, sqlDB)
		require.Error(t, err)
		require.Nil(t, d)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("fails when read-only cannot be set", func(t *testing.T) {
		t.Parallel()

		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectExec(regexp.QuoteMeta(readOnlySessionSQL)).WillReturnError(errors.New("permission denied"))

		d, err := New(t.Context(), Config{Logger: testLogger(t)}, sqlDB)
		require.Error(t, err)
		require.Nil(t, d)
		require.Contains(t, err.Error(), "failed to set session read-only")
	})

	t.Run("fails when connection test fails", func(t *testing.T) {
		t.Parallel()

		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectExec(regexp.QuoteMeta(readOnlySessionSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnError(errors.New("server closed the connection"))

		d, err := New(t.Context(), Config{Logger: testLogger(t)}, sqlDB)
		require.Error(t, err)
		require.Nil(t, d)
		require.Contains(t, err.Error(), "failed to test connection")
	})
}

func TestPostgresMCP_DB_Execute(t *testing.T) {
	t.Parallel()

	t.Run("returns rows in order with column metadata", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, score FROM users ORDER BY id")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "score"}).
				AddRow(int64(1), "alice", 1.5).
				AddRow(int64(2), "bob", nil).
				AddRow(int64(3), []byte("carol"), 3.25))
		expectSessionReset(mock)

		res, err := d.Execute(t.Context(), "SELECT id, name, score FROM users ORDER BY id")
		require.NoError(t, err)
		require.Equal(t, []string{"id", "name", "score"}, res.ColumnNames())
		require.Equal(t, 3, res.Len())
		require.Equal(t, []Row{
			{int64(1), "alice", 1.5},
			{int64(2), "bob", nil},
			{int64(3), "carol", 3.25},
		}, res.Rows)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty result is an explicit zero-row set", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM empty")).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		expectSessionReset(mock)

		res, err := d.Execute(t.Context(), "SELECT id FROM empty")
		require.NoError(t, err)
		require.NotNil(t, res)
		require.NotNil(t, res.Rows)
		require.Equal(t, 0, res.Len())
		require.Equal(t, []string{"id"}, res.ColumnNames())
	})

	t.Run("passes bound arguments", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT table_name FROM information_schema.tables WHERE table_schema = $1")).
			WithArgs("public").
			WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("users"))
		expectSessionReset(mock)

		res, err := d.Execute(t.Context(), "SELECT table_name FROM information_schema.tables WHERE table_schema = $1", "public")
		require.NoError(t, err)
		require.Equal(t, []Row{{"users"}}, res.Rows)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps driver errors", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		driverErr := errors.New(`relation "missing" does not exist`)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM missing")).WillReturnError(driverErr)
		expectSessionReset(mock)

		res, err := d.Execute(t.Context(), "SELECT * FROM missing")
		require.Error(t, err)
		require.Nil(t, res)
		require.ErrorIs(t, err, driverErr)
		require.Contains(t, err.Error(), "failed to execute query")
		require.Equal(t, driverErr.Error(), ErrorMessage(err))
	})

	t.Run("returns iteration errors", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT n FROM numbers")).
			WillReturnRows(sqlmock.NewRows([]string{"n"}).
				AddRow(int64(1)).
				AddRow(int64(2)).
				RowError(1, errors.New("connection reset")))
		expectSessionReset(mock)

		res, err := d.Execute(t.Context(), "SELECT n FROM numbers")
		require.Error(t, err)
		require.Nil(t, res)
		require.Contains(t, err.Error(), "error iterating rows")
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_sleep(10)")).
			WillDelayFor(time.Second).
			WillReturnRows(sqlmock.NewRows([]string{"pg_sleep"}).AddRow(nil))
		expectSessionReset(mock)

		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()

		_, err := d.Execute(ctx, "SELECT pg_sleep(10)")
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to execute query")
	})
}

func TestPostgresMCP_DB_Execute_ResetsSession(t *testing.T) {
	t.Parallel()

	t.Run("restores read-only after a statement changes it", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SET SESSION CHARACTERISTICS AS TRANSACTION READ WRITE")).
			WillReturnRows(sqlmock.NewRows([]string{}))
		expectSessionReset(mock)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users VALUES (1)")).
			WillReturnError(errors.New("cannot execute INSERT in a read-only transaction"))
		expectSessionReset(mock)

		res, err := d.Execute(t.Context(), "SET SESSION CHARACTERISTICS AS TRANSACTION READ WRITE")
		require.NoError(t, err)
		require.Zero(t, res.Len())

		_, err = d.Execute(t.Context(), "INSERT INTO users VALUES (1)")
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back after a failed statement", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("BEGIN")).WillReturnRows(sqlmock.NewRows([]string{}))
		expectSessionReset(mock)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM missing")).WillReturnError(errors.New(`relation "missing" does not exist`))
		expectSessionReset(mock)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))
		expectSessionReset(mock)

		_, err := d.Execute(t.Context(), "BEGIN")
		require.NoError(t, err)
		_, err = d.Execute(t.Context(), "SELECT * FROM missing")
		require.Error(t, err)

		res, err := d.Execute(t.Context(), "SELECT 1")
		require.NoError(t, err)
		require.Equal(t, []Row{{int64(1)}}, res.Rows)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reset runs after the caller's context is done", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_sleep(10)")).
			WillDelayFor(time.Second).
			WillReturnRows(sqlmock.NewRows([]string{"pg_sleep"}).AddRow(nil))
		expectSessionReset(mock)

		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()

		_, err := d.Execute(ctx, "SELECT pg_sleep(10)")
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reset failure fails the call", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 42")).
			WillReturnRows(sqlmock.NewRows([]string{"answer"}).AddRow(int64(42)))
		mock.ExpectExec(regexp.QuoteMeta(rollbackSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(readOnlySessionSQL)).WillReturnError(errors.New("server closed the connection"))

		res, err := d.Execute(t.Context(), "SELECT 42")
		require.Error(t, err)
		require.Nil(t, res)
		require.Contains(t, err.Error(), "failed to restore read-only session")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reset does not hide the query error", func(t *testing.T) {
		t.Parallel()

		d, mock := newMockDB(t)
		driverErr := errors.New("syntax error at or near \"SELEC\"")
		mock.ExpectQuery(regexp.QuoteMeta("SELEC 1")).WillReturnError(driverErr)
		mock.ExpectExec(regexp.QuoteMeta(rollbackSQL)).WillReturnError(errors.New("server closed the connection"))

		_, err := d.Execute(t.Context(), "SELEC 1")
		require.ErrorIs(t, err, driverErr)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresMCP_DB_Execute_Serialized(t *testing.T) {
	t.Parallel()

	d, mock := newMockDB(t)

	const (
		calls = 4
		delay = 50 * time.Millisecond
	)
	for range calls {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 42")).
			WillDelayFor(delay).
			WillReturnRows(sqlmock.NewRows([]string{"answer"}).AddRow(int64(42)))
		expectSessionReset(mock)
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Execute(t.Context(), "SELECT 42")
			if err == nil && res.Rows[0][0] != int64(42) {
				err = errors.New("unexpected value")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), calls*delay, "queries on the shared session must not overlap")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMCP_DB_Close(t *testing.T) {
	t.Parallel()

	d, mock := newMockDB(t)
	mock.ExpectClose()

	require.NoError(t, d.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMCP_DB_NormalizeValue(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)

	tests := []struct {
		name   string
		val    any
		dbType string
		want   any
	}{
		{"nil", nil, "TEXT", nil},
		{"text bytes", []byte("hello"), "TEXT", "hello"},
		{"numeric bytes", []byte("12.50"), "NUMERIC", "12.50"},
		{"bytea stays binary", []byte{0x00, 0xff}, "BYTEA", []byte{0x00, 0xff}},
		{"bytea lowercase", []byte{0x01}, "bytea", []byte{0x01}},
		{"int64", int64(7), "INT8", int64(7)},
		{"bool", true, "BOOL", true},
		{"float", 2.5, "FLOAT8", 2.5},
		{"float32", float32(0.5), "FLOAT4", 0.5},
		{"nan", math.NaN(), "FLOAT8", "NaN"},
		{"positive infinity", math.Inf(1), "FLOAT8", "Infinity"},
		{"negative infinity", math.Inf(-1), "FLOAT8", "-Infinity"},
		{"timestamp", ts, "TIMESTAMPTZ", ts},
		{"string", "already text", "UUID", "already text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, normalizeValue(tt.val, tt.dbType))
		})
	}
}
