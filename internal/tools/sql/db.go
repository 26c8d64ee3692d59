package sqltools

import (
	"context"

	"github.com/malbeclabs/postgres-mcp/internal/db"
)

// DB is the slice of the data access layer the tools need.
type DB interface {
	Execute(ctx context.Context, query string, args ...any) (*db.ResultSet, error)
}

const DefaultSchema = "public"
