package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSchemaFetch marks failures to introspect the configured table.
var ErrSchemaFetch = errors.New("schema fetch failed")

// ExecutionError preserves a rejected statement together with the raw
// driver error for diagnosis.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute statement: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Column struct {
	Name      string `json:"name"`
	DataType  string `json:"data_type"`
	MaxLength int64  `json:"max_length,omitempty"`
	Nullable  bool   `json:"nullable"`
	Default   string `json:"default,omitempty"`
	Sample    string `json:"sample,omitempty"`
}

// TableSchema is a point-in-time description of the single target table.
// RowCount is -1 when the count could not be retrieved.
type TableSchema struct {
	Schema     string    `json:"schema"`
	Name       string    `json:"name"`
	Columns    []Column  `json:"columns"`
	RowCount   int64     `json:"row_count"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s TableSchema) Qualified() string {
	if s.Schema == "" {
		return quoteIdent(s.Name)
	}
	return quoteIdent(s.Schema) + "." + quoteIdent(s.Name)
}

type ResultSet struct {
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	RowCount     int              `json:"row_count"`
	RowsAffected int64            `json:"rows_affected"`
	Truncated    bool             `json:"truncated"`
}

// TransactionResult reports a statement probe run inside a transaction
// that is always rolled back.
type TransactionResult struct {
	RowsAffected int64
	RolledBack   bool
}

// Store is the database collaborator for the configured table.
type Store interface {
	Ping(ctx context.Context) error
	DescribeTable(ctx context.Context) (TableSchema, error)
	FetchPreview(ctx context.Context, rowLimit int) (ResultSet, error)
	Execute(ctx context.Context, sqlText string) (ResultSet, error)
	ExecuteInTransaction(ctx context.Context, sqlText string) (TransactionResult, error)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
