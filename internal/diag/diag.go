// Package diag runs a fixed battery of permission checks against the
// configured table. Checks never commit: write checks run inside a
// transaction that is always rolled back.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

// CheckResult is the outcome of one diagnostic check.
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Runner executes the check battery in a fixed order. A failing check
// is recorded and the remaining checks still run.
type Runner struct {
	store  table.Store
	schema SchemaGetter
	logger *slog.Logger
}

// SchemaGetter keeps the Runner independent of the cache package.
type SchemaGetter interface {
	Get(ctx context.Context) (table.TableSchema, error)
}

func NewRunner(store table.Store, schema SchemaGetter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, schema: schema, logger: logger}
}

// Run executes all checks and reports every result.
func (r *Runner) Run(ctx context.Context) []CheckResult {
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"connectivity", r.checkConnectivity},
		{"read_permission", r.checkRead},
		{"insert_permission", r.checkInsert},
		{"update_permission", r.checkUpdate},
		{"delete_permission", r.checkDelete},
		{"schema_readability", r.checkSchema},
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		start := time.Now()
		err := check.fn(ctx)
		result := CheckResult{
			Name:     check.name,
			Passed:   err == nil,
			Duration: time.Since(start),
		}
		if err != nil {
			result.Detail = err.Error()
			r.logger.Warn("diagnostic check failed",
				slog.String("check", check.name),
				slog.String("detail", result.Detail))
		}
		results = append(results, result)
	}
	return results
}

func (r *Runner) checkConnectivity(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Runner) checkRead(ctx context.Context) error {
	_, err := r.store.FetchPreview(ctx, 1)
	return err
}

func (r *Runner) checkInsert(ctx context.Context) error {
	schema, err := r.schema.Get(ctx)
	if err != nil {
		return err
	}
	// Self-copying one row avoids guessing valid column values.
	stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s LIMIT 1", schema.Qualified(), schema.Qualified())
	return r.rolledBack(ctx, stmt)
}

func (r *Runner) checkUpdate(ctx context.Context) error {
	schema, err := r.schema.Get(ctx)
	if err != nil {
		return err
	}
	if len(schema.Columns) == 0 {
		return fmt.Errorf("no columns available for update check")
	}
	col := quote(schema.Columns[0].Name)
	stmt := fmt.Sprintf("UPDATE %s SET %s = %s WHERE 1 = 0", schema.Qualified(), col, col)
	return r.rolledBack(ctx, stmt)
}

func (r *Runner) checkDelete(ctx context.Context) error {
	schema, err := r.schema.Get(ctx)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE 1 = 0", schema.Qualified())
	return r.rolledBack(ctx, stmt)
}

func (r *Runner) checkSchema(ctx context.Context) error {
	schema, err := r.store.DescribeTable(ctx)
	if err != nil {
		return err
	}
	if len(schema.Columns) == 0 {
		return fmt.Errorf("table has no readable columns")
	}
	return nil
}

func (r *Runner) rolledBack(ctx context.Context, stmt string) error {
	result, err := r.store.ExecuteInTransaction(ctx, stmt)
	if err != nil {
		return err
	}
	if !result.RolledBack {
		return fmt.Errorf("transaction was not rolled back")
	}
	return nil
}

func quote(name string) string {
	return `"` + name + `"`
}
