package sqltools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/postgres-mcp/internal/db"
)

const (
	TableNamesToolName = "get_table_names"

	TableNamesToolDescription = `
		Get all table names from the specified schema in the PostgreSQL database.
		The schema defaults to "public". Table names are returned in alphabetical order.
	`

	tableNamesQuery = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		ORDER BY table_name
	`
)

type TableNamesInput struct {
	Schema string `json:"schema,omitempty" jsonschema:"The schema name to get tables from (default: public)"`
}

type TableNamesOutput struct {
	Success    bool     `json:"success"`
	Schema     string   `json:"schema"`
	Tables     []string `json:"tables"`
	TableCount int      `json:"table_count"`
	Error      string   `json:"error,omitempty"`
}

type TableNamesToolConfig struct {
	Logger *slog.Logger
	DB     DB

	Name        string
	Description string

	AllowEmptyResults bool
}

func (cfg *TableNamesToolConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DB == nil {
		return fmt.Errorf("database is required")
	}
	if cfg.Name == "" {
		cfg.Name = TableNamesToolName
	}
	if cfg.Description == "" {
		cfg.Description = TableNamesToolDescription
	}
	return nil
}

type TableNamesTool struct {
	log *slog.Logger
	cfg TableNamesToolConfig
	db  DB
}

func NewTableNamesTool(cfg TableNamesToolConfig) (*TableNamesTool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate table names tool config: %w", err)
	}
	return &TableNamesTool{
		log: cfg.Logger,
		cfg: cfg,
		db:  cfg.DB,
	}, nil
}

func (t *TableNamesTool) Name() string {
	return t.cfg.Name
}

func (t *TableNamesTool) Register(server *mcp.Server) error {
	req, err := jsonschema.For[TableNamesInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create table names input schema: %w", err)
	}

	res, err := jsonschema.For[TableNamesOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create table names output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         t.cfg.Name,
		Description:  t.cfg.Description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req TableNamesInput) (*mcp.CallToolResult, TableNamesOutput, error) {
		startTime := time.Now()
		out := t.handleTableNames(ctx, req)
		recordCall(t.log, t.cfg.Name, out.Success, out.Error, startTime)
		return nil, out, nil
	})
	return nil
}

func (t *TableNamesTool) handleTableNames(ctx context.Context, req TableNamesInput) TableNamesOutput {
	schema := req.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	t.log.Debug("mcp/tool: listing tables", "schema", schema)

	res, err := t.db.Execute(ctx, tableNamesQuery, schema)
	if err != nil {
		return tableNamesFailure(schema, db.ErrorMessage(err))
	}
	if res.Len() == 0 && !t.cfg.AllowEmptyResults {
		return tableNamesFailure(schema, fmt.Sprintf("Failed to retrieve table names from schema '%s'", schema))
	}

	tables := make([]string, 0, res.Len())
	for _, row := range res.Rows {
		if len(row) == 0 {
			continue
		}
		tables = append(tables, asString(row[0]))
	}

	return TableNamesOutput{
		Success:    true,
		Schema:     schema,
		Tables:     tables,
		TableCount: len(tables),
	}
}

func tableNamesFailure(schema, msg string) TableNamesOutput {
	return TableNamesOutput{
		Success:    false,
		Schema:     schema,
		Tables:     []string{},
		TableCount: 0,
		Error:      msg,
	}
}
