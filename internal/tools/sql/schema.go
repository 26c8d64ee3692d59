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
	TableSchemaToolName = "get_table_schema"

	TableSchemaToolDescription = `
		Get the column definitions of a table in the PostgreSQL database.
		Returns each column's name, data type, nullability ("YES" or "NO") and character maximum length
		(null for types without a length), in column order. The schema defaults to "public".
	`

	tableSchemaQuery = `
		SELECT column_name, data_type, is_nullable, character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`
)

type TableSchemaInput struct {
	TableName string `json:"table_name" jsonschema:"The name of the table to get the schema for"`
	Schema    string `json:"schema,omitempty" jsonschema:"The schema name (default: public)"`
}

type ColumnInfo struct {
	ColumnName             string `json:"column_name"`
	DataType               string `json:"data_type"`
	IsNullable             string `json:"is_nullable"`
	CharacterMaximumLength *int64 `json:"character_maximum_length"`
}

type TableSchemaOutput struct {
	Success     bool         `json:"success"`
	Schema      string       `json:"schema"`
	Table       string       `json:"table"`
	Columns     []ColumnInfo `json:"columns"`
	ColumnCount int          `json:"column_count"`
	Error       string       `json:"error,omitempty"`
}

type TableSchemaToolConfig struct {
	Logger *slog.Logger
	DB     DB

	Name        string
	Description string

	AllowEmptyResults bool
}

func (cfg *TableSchemaToolConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DB == nil {
		return fmt.Errorf("database is required")
	}
	if cfg.Name == "" {
		cfg.Name = TableSchemaToolName
	}
	if cfg.Description == "" {
		cfg.Description = TableSchemaToolDescription
	}
	return nil
}

type TableSchemaTool struct {
	log *slog.Logger
	cfg TableSchemaToolConfig
	db  DB
}

func NewTableSchemaTool(cfg TableSchemaToolConfig) (*TableSchemaTool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate table schema tool config: %w", err)
	}
	return &TableSchemaTool{
		log: cfg.Logger,
		cfg: cfg,
		db:  cfg.DB,
	}, nil
}

func (t *TableSchemaTool) Name() string {
	return t.cfg.Name
}

func (t *TableSchemaTool) Register(server *mcp.Server) error {
	req, err := jsonschema.For[TableSchemaInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create table schema input schema: %w", err)
	}

	res, err := jsonschema.For[TableSchemaOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create table schema output schema: %w", err)
	}
	if columns := res.Properties["columns"]; columns != nil && columns.Items != nil {
		allowNull(columns.Items.Properties["character_maximum_length"])
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         t.cfg.Name,
		Description:  t.cfg.Description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req TableSchemaInput) (*mcp.CallToolResult, TableSchemaOutput, error) {
		startTime := time.Now()
		out := t.handleTableSchema(ctx, req)
		recordCall(t.log, t.cfg.Name, out.Success, out.Error, startTime)
		return nil, out, nil
	})
	return nil
}

func (t *TableSchemaTool) handleTableSchema(ctx context.Context, req TableSchemaInput) TableSchemaOutput {
	schema := req.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	if req.TableName == "" {
		return tableSchemaFailure(schema, req.TableName, "table_name is required")
	}
	t.log.Debug("mcp/tool: describing table", "schema", schema, "table", req.TableName)

	res, err := t.db.Execute(ctx, tableSchemaQuery, schema, req.TableName)
	if err != nil {
		return tableSchemaFailure(schema, req.TableName, db.ErrorMessage(err))
	}
	if res.Len() == 0 && !t.cfg.AllowEmptyResults {
		return tableSchemaFailure(schema, req.TableName,
			fmt.Sprintf("Failed to retrieve schema for table '%s' in schema '%s'", req.TableName, schema))
	}

	columns := make([]ColumnInfo, 0, res.Len())
	for _, row := range res.Rows {
		if len(row) < 4 {
			return tableSchemaFailure(schema, req.TableName,
				fmt.Sprintf("unexpected column metadata row with %d values", len(row)))
		}
		maxLen, err := asInt64Ptr(row[3])
		if err != nil {
			return tableSchemaFailure(schema, req.TableName, err.Error())
		}
		columns = append(columns, ColumnInfo{
			ColumnName:             asString(row[0]),
			DataType:               asString(row[1]),
			IsNullable:             asString(row[2]),
			CharacterMaximumLength: maxLen,
		})
	}

	return TableSchemaOutput{
		Success:     true,
		Schema:      schema,
		Table:       req.TableName,
		Columns:     columns,
		ColumnCount: len(columns),
	}
}

func tableSchemaFailure(schema, table, msg string) TableSchemaOutput {
	return TableSchemaOutput{
		Success:     false,
		Schema:      schema,
		Table:       table,
		Columns:     []ColumnInfo{},
		ColumnCount: 0,
		Error:       msg,
	}
}
