// Package schema keeps an in-memory copy of the managed table's shape
// so prompts do not pay a catalog round trip on every request.
package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

// Describer is the slice of the table store the cache needs.
type Describer interface {
	DescribeTable(ctx context.Context) (table.TableSchema, error)
}

// Cache serves the last fetched schema and refreshes it on demand.
// A failed refresh keeps the previous snapshot so the assistant keeps
// working while the database is unreachable.
type Cache struct {
	store  Describer
	logger *slog.Logger

	mu      sync.RWMutex
	current table.TableSchema
	version string
	loaded  bool
	stale   bool
}

func NewCache(store Describer, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger}
}

// Get returns the cached schema, fetching it first if nothing has been
// loaded yet or the snapshot was marked stale.
func (c *Cache) Get(ctx context.Context) (table.TableSchema, error) {
	c.mu.RLock()
	if c.loaded && !c.stale {
		schema := c.current
		c.mu.RUnlock()
		return schema, nil
	}
	c.mu.RUnlock()
	return c.Refresh(ctx)
}

// Refresh re-reads the schema from the database. On failure the last
// good snapshot survives and the error is returned to the caller.
func (c *Cache) Refresh(ctx context.Context) (table.TableSchema, error) {
	fresh, err := c.store.DescribeTable(ctx)
	if err != nil {
		c.mu.RLock()
		loaded := c.loaded
		previous := c.current
		c.mu.RUnlock()
		if loaded {
			c.logger.Warn("schema refresh failed, keeping previous snapshot", slog.String("error", err.Error()))
			return previous, fmt.Errorf("%w: %v", table.ErrSchemaFetch, err)
		}
		return table.TableSchema{}, fmt.Errorf("%w: %v", table.ErrSchemaFetch, err)
	}

	c.mu.Lock()
	c.current = fresh
	c.version = schemaVersion(fresh)
	c.loaded = true
	c.stale = false
	c.mu.Unlock()

	c.logger.Info("schema snapshot refreshed",
		slog.String("table", fresh.Qualified()),
		slog.Int("columns", len(fresh.Columns)),
		slog.Int64("rows", fresh.RowCount))
	return fresh, nil
}

// Version identifies the column structure of the current snapshot.
// It is stable across refreshes that observe the same columns, so
// cached model responses survive a no-op refresh.
func (c *Cache) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// MarkStale forces the next Get to hit the database.
func (c *Cache) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func schemaVersion(schema table.TableSchema) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s.%s\n", schema.Schema, schema.Name)
	for _, col := range schema.Columns {
		fmt.Fprintf(h, "%s|%s|%d|%t\n", col.Name, col.DataType, col.MaxLength, col.Nullable)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
