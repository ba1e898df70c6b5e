// Package warehouse implements the table upsert layer of xmlsink: column
// metadata discovery with process-lifetime caching, insert-or-update
// statement construction, string-to-native value coercion, batch
// deduplication, and single-transaction batch execution over pgx.
package warehouse

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// DB is the subset of pgxpool.Pool the warehouse layer needs. The core
// never builds connection parameters; a ready handle is passed in.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ColumnDescriptor describes one table column. Immutable once populated.
type ColumnDescriptor struct {
	// Name is the column identifier
	Name string
	// TypeName is the native data type (information_schema data_type)
	TypeName string
	// Nullable reports whether the column accepts NULL
	Nullable bool
}

// MetadataCache caches column metadata per (schema, table) for the
// process lifetime. It is constructed once per run and passed by
// reference to workers; whichever caller reaches a table first populates
// it. Safe for concurrent use.
type MetadataCache struct {
	mu     sync.RWMutex
	tables map[string][]ColumnDescriptor
	logger *zap.Logger
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache(logger *zap.Logger) *MetadataCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataCache{
		tables: make(map[string][]ColumnDescriptor),
		logger: logger,
	}
}

// Columns returns the column descriptors for a (possibly
// schema-qualified) table, fetching them on first use.
func (c *MetadataCache) Columns(ctx context.Context, db DB, table string) ([]ColumnDescriptor, error) {
	key := normalizeTable(table)

	c.mu.RLock()
	cols, ok := c.tables[key]
	c.mu.RUnlock()
	if ok {
		return cols, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cols, ok := c.tables[key]; ok {
		return cols, nil
	}

	cols, err := fetchColumns(ctx, db, key)
	if err != nil {
		return nil, err
	}
	c.tables[key] = cols

	c.logger.Debug("cached table metadata",
		zap.String("table", key),
		zap.Int("columns", len(cols)))
	return cols, nil
}

// Put seeds the cache directly. Intended for tests.
func (c *MetadataCache) Put(table string, cols []ColumnDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[normalizeTable(table)] = cols
}

// normalizeTable lower-cases and default-qualifies a table identifier.
func normalizeTable(table string) string {
	t := strings.ToLower(strings.TrimSpace(table))
	if !strings.Contains(t, ".") {
		return "public." + t
	}
	return t
}

func splitTable(key string) (schema, name string) {
	parts := strings.SplitN(key, ".", 2)
	return parts[0], parts[1]
}

// fetchColumns reads column metadata from information_schema.
func fetchColumns(ctx context.Context, db DB, key string) ([]ColumnDescriptor, error) {
	schemaName, tableName := splitTable(key)

	const query = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := db.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeQuery, "failed to query table metadata")
	}
	defer rows.Close()

	var cols []ColumnDescriptor
	for rows.Next() {
		var name, dataType, isNullable string
		if err := rows.Scan(&name, &dataType, &isNullable); err != nil {
			return nil, xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeData, "failed to scan metadata row")
		}
		cols = append(cols, ColumnDescriptor{
			Name:     name,
			TypeName: strings.ToLower(dataType),
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeQuery, "failed to read table metadata")
	}

	if len(cols) == 0 {
		return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "table %s has no columns", key)
	}
	return cols, nil
}
