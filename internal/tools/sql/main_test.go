package sqltools

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/malbeclabs/postgres-mcp/internal/db"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type executeCall struct {
	query string
	args  []any
}

type stubDB struct {
	mu    sync.Mutex
	res   *db.ResultSet
	err   error
	calls []executeCall
}

func (s *stubDB) Execute(_ context.Context, query string, args ...any) (*db.ResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, executeCall{query: query, args: args})
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func (s *stubDB) Calls() []executeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executeCall(nil), s.calls...)
}

var errDatabase = errors.New("database error")
