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
	QueryToolName = "execute_query"

	QueryToolDescription = `
		Execute a SQL query on the PostgreSQL database and return the results.
		The session is read-only: use SELECT statements only.
		Rows are returned in "data" as ordered value lists matching "columns"; "row_count" is the number of rows.
		Use get_table_names and get_table_schema to discover tables and columns before writing queries.
	`

	emptyQueryResultMessage = "Query returned no results or failed to execute"
)

type QueryInput struct {
	Query string `json:"query" jsonschema:"The SQL query to execute (SELECT statements only for safety)"`
}

type QueryOutput struct {
	Success  bool     `json:"success"`
	Query    string   `json:"query"`
	Columns  []string `json:"columns"`
	Data     [][]any  `json:"data"`
	RowCount int      `json:"row_count"`
	Error    string   `json:"error,omitempty"`
}

type QueryToolConfig struct {
	Logger *slog.Logger
	DB     DB

	Name        string
	Description string

	// AllowEmptyResults reports a zero-row result as success. By default an
	// empty result is reported as a failure.
	AllowEmptyResults bool
}

func (cfg *QueryToolConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DB == nil {
		return fmt.Errorf("database is required")
	}
	if cfg.Name == "" {
		cfg.Name = QueryToolName
	}
	if cfg.Description == "" {
		cfg.Description = QueryToolDescription
	}
	return nil
}

type QueryTool struct {
	log *slog.Logger
	cfg QueryToolConfig
	db  DB
}

func NewQueryTool(cfg QueryToolConfig) (*QueryTool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate query tool config: %w", err)
	}
	return &QueryTool{
		log: cfg.Logger,
		cfg: cfg,
		db:  cfg.DB,
	}, nil
}

func (t *QueryTool) Name() string {
	return t.cfg.Name
}

func (t *QueryTool) Register(server *mcp.Server) error {
	req, err := jsonschema.For[QueryInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create query input schema: %w", err)
	}

	res, err := jsonschema.For[QueryOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create query output schema: %w", err)
	}
	// Failed queries carry "data": null.
	allowNull(res.Properties["data"])

	mcp.AddTool(server, &mcp.Tool{
		Name:         t.cfg.Name,
		Description:  t.cfg.Description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req QueryInput) (*mcp.CallToolResult, QueryOutput, error) {
		startTime := time.Now()
		out := t.handleQuery(ctx, req)
		recordCall(t.log, t.cfg.Name, out.Success, out.Error, startTime)
		return nil, out, nil
	})
	return nil
}

func (t *QueryTool) handleQuery(ctx context.Context, req QueryInput) QueryOutput {
	t.log.Debug("mcp/tool: running query tool", "query", req.Query)

	res, err := t.db.Execute(ctx, req.Query)
	if err != nil {
		return queryFailure(req.Query, db.ErrorMessage(err))
	}
	if res.Len() == 0 && !t.cfg.AllowEmptyResults {
		return queryFailure(req.Query, emptyQueryResultMessage)
	}

	data := make([][]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		data = append(data, []any(row))
	}

	return QueryOutput{
		Success:  true,
		Query:    req.Query,
		Columns:  res.ColumnNames(),
		Data:     data,
		RowCount: len(data),
	}
}

func queryFailure(query, msg string) QueryOutput {
	return QueryOutput{
		Success:  false,
		Query:    query,
		Columns:  []string{},
		Data:     nil,
		RowCount: 0,
		Error:    msg,
	}
}
