package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/malbeclabs/postgres-mcp/internal/db"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type mockDB struct {
	res     *db.ResultSet
	err     error
	pingErr error
}

func (m *mockDB) Execute(_ context.Context, _ string, _ ...any) (*db.ResultSet, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.res, nil
}

func (m *mockDB) Ping(_ context.Context) error {
	return m.pingErr
}

var errPing = errors.New("connection refused")
