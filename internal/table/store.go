package table

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
)

type Options struct {
	Driver          string
	DSN             string
	TableSchema     string
	TableName       string
	MaxRows         int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// SQLStore implements Store on database/sql. The driver is either the
// pgx stdlib driver or duckdb, both registered by the blank imports.
type SQLStore struct {
	db      *sql.DB
	schema  string
	name    string
	maxRows int
}

func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if opts.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSQLStore(db, opts.TableSchema, opts.TableName, opts.MaxRows), nil
}

func NewSQLStore(db *sql.DB, tableSchema, tableName string, maxRows int) *SQLStore {
	if maxRows <= 0 {
		maxRows = 500
	}
	return &SQLStore{db: db, schema: tableSchema, name: tableName, maxRows: maxRows}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *SQLStore) qualified() string {
	return TableSchema{Schema: s.schema, Name: s.name}.Qualified()
}

func (s *SQLStore) DescribeTable(ctx context.Context) (TableSchema, error) {
	query := `
SELECT column_name, data_type, character_maximum_length, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

	rows, err := s.db.QueryContext(ctx, query, s.schema, s.name)
	if err != nil {
		return TableSchema{}, fmt.Errorf("%w: describe %s: %v", ErrSchemaFetch, s.qualified(), err)
	}
	defer func() { _ = rows.Close() }()

	schema := TableSchema{
		Schema:     s.schema,
		Name:       s.name,
		CapturedAt: time.Now().UTC(),
	}
	for rows.Next() {
		var (
			column    Column
			maxLength sql.NullInt64
			nullable  string
			defValue  sql.NullString
		)
		if err := rows.Scan(&column.Name, &column.DataType, &maxLength, &nullable, &defValue); err != nil {
			return TableSchema{}, fmt.Errorf("%w: scan column row: %v", ErrSchemaFetch, err)
		}
		if maxLength.Valid {
			column.MaxLength = maxLength.Int64
		}
		column.Nullable = strings.EqualFold(nullable, "YES")
		if defValue.Valid {
			column.Default = defValue.String
		}
		schema.Columns = append(schema.Columns, column)
	}
	if err := rows.Err(); err != nil {
		return TableSchema{}, fmt.Errorf("%w: iterate column rows: %v", ErrSchemaFetch, err)
	}
	if len(schema.Columns) == 0 {
		return TableSchema{}, fmt.Errorf("%w: table %s not found", ErrSchemaFetch, s.qualified())
	}

	schema.RowCount = s.countRows(ctx)
	s.attachSamples(ctx, &schema)
	return schema, nil
}

// countRows returns -1 when the count cannot be retrieved; a schema with
// an unknown row count is still usable.
func (s *SQLStore) countRows(ctx context.Context) int64 {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.qualified()).Scan(&count); err != nil {
		return -1
	}
	return count
}

func (s *SQLStore) attachSamples(ctx context.Context, schema *TableSchema) {
	preview, err := s.FetchPreview(ctx, 1)
	if err != nil || preview.RowCount == 0 {
		return
	}
	row := preview.Rows[0]
	for i := range schema.Columns {
		if value, ok := row[schema.Columns[i].Name]; ok && value != nil {
			schema.Columns[i].Sample = fmt.Sprintf("%v", value)
		}
	}
}

func (s *SQLStore) FetchPreview(ctx context.Context, rowLimit int) (ResultSet, error) {
	if rowLimit <= 0 {
		rowLimit = 5
	}
	sqlText := "SELECT * FROM " + s.qualified() + " LIMIT " + strconv.Itoa(rowLimit)
	return s.queryRows(ctx, sqlText, rowLimit)
}

func (s *SQLStore) Execute(ctx context.Context, sqlText string) (ResultSet, error) {
	if returnsRows(sqlText) {
		result, err := s.queryRows(ctx, sqlText, s.maxRows)
		if err != nil {
			return ResultSet{}, &ExecutionError{SQL: sqlText, Err: err}
		}
		return result, nil
	}

	execResult, err := s.db.ExecContext(ctx, sqlText)
	if err != nil {
		return ResultSet{}, &ExecutionError{SQL: sqlText, Err: err}
	}
	affected, err := execResult.RowsAffected()
	if err != nil {
		affected = -1
	}
	return ResultSet{RowsAffected: affected}, nil
}

func (s *SQLStore) ExecuteInTransaction(ctx context.Context, sqlText string) (TransactionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	execResult, err := tx.ExecContext(ctx, sqlText)
	if err != nil {
		return TransactionResult{}, &ExecutionError{SQL: sqlText, Err: err}
	}
	affected, err := execResult.RowsAffected()
	if err != nil {
		affected = -1
	}
	if err := tx.Rollback(); err != nil {
		return TransactionResult{}, fmt.Errorf("rollback transaction: %w", err)
	}
	return TransactionResult{RowsAffected: affected, RolledBack: true}, nil
}

func (s *SQLStore) queryRows(ctx context.Context, sqlText string, rowCap int) (ResultSet, error) {
	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return ResultSet{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return ResultSet{}, fmt.Errorf("read columns: %w", err)
	}

	result := ResultSet{Columns: columns}
	for rows.Next() {
		if len(result.Rows) >= rowCap {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return ResultSet{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			row[name] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return ResultSet{}, fmt.Errorf("iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

func returnsRows(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	for _, prefix := range []string{"select", "with", "values", "show", "explain"} {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	default:
		return value
	}
}
