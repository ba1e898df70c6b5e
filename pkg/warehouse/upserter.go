package warehouse

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// MaxBatchRows is the hard upper bound on rows per Execute call. One
// call issues one statement whose conflict target cannot repeat, so
// batches are also deduplicated by key tuple.
const MaxBatchRows = 1_000_000

// TableUpserter writes batches of string rows into one destination table
// via a single insert-or-update statement per batch, one transaction per
// call. Construction fails fast on missing tables or columns; column
// metadata is cached for the process lifetime.
type TableUpserter struct {
	db     DB
	table  string
	logger *zap.Logger

	columns     []string
	keyColumns  []string
	descriptors map[string]ColumnDescriptor
	stmt        *upsertStatement
}

// NewTableUpserter resolves column metadata through the cache and builds
// the static statement skeleton for the table.
func NewTableUpserter(ctx context.Context, db DB, cache *MetadataCache, table string, writeColumns, keyColumns []string, logger *zap.Logger) (*TableUpserter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(writeColumns) == 0 {
		return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "table %s: no write columns", table)
	}
	if len(keyColumns) == 0 {
		return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "table %s: no key columns", table)
	}

	cols, err := cache.Columns(ctx, db, table)
	if err != nil {
		return nil, err
	}

	descriptors := make(map[string]ColumnDescriptor, len(cols))
	for _, c := range cols {
		descriptors[c.Name] = c
	}

	for _, c := range writeColumns {
		if _, ok := descriptors[c]; !ok {
			return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"table %s has no column %q", table, c)
		}
	}
	writeSet := make(map[string]struct{}, len(writeColumns))
	for _, c := range writeColumns {
		writeSet[c] = struct{}{}
	}
	for _, k := range keyColumns {
		if _, ok := writeSet[k]; !ok {
			return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"table %s: key column %q is not a write column", table, k)
		}
	}

	u := &TableUpserter{
		db:          db,
		table:       table,
		logger:      logger.With(zap.String("table", table)),
		columns:     writeColumns,
		keyColumns:  keyColumns,
		descriptors: descriptors,
		stmt:        newUpsertStatement(table, writeColumns, keyColumns),
	}

	u.logger.Debug("table upserter ready",
		zap.Strings("columns", writeColumns),
		zap.Strings("key_columns", keyColumns))
	return u, nil
}

// Table returns the destination table identifier.
func (u *TableUpserter) Table() string { return u.table }

// StatementFor exposes the statement text for a given batch size.
// Useful for diagnostics and tests; Execute builds the same text.
func (u *TableUpserter) StatementFor(rowCount int) string {
	return u.stmt.sql(rowCount)
}

// Execute writes one batch in a single transaction, committing on
// success and rolling back entirely on any failure. Empty input is a
// no-op; batches over MaxBatchRows are a usage error. Rows are
// deduplicated by key tuple, first occurrence wins.
func (u *TableUpserter) Execute(ctx context.Context, rows []map[string]string) error {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) > MaxBatchRows {
		return xsinkerrors.Newf(xsinkerrors.ErrorTypeUsage,
			"batch of %d rows exceeds the %d row limit", len(rows), MaxBatchRows)
	}

	deduped, duplicates := u.dedupeByKey(rows)
	if duplicates > 0 {
		u.logger.Debug("dropped duplicate key tuples within batch",
			zap.Int("duplicates", duplicates),
			zap.Int("remaining", len(deduped)))
	}

	args, err := u.coerceBatch(deduped)
	if err != nil {
		return err
	}

	tx, err := u.db.Begin(ctx)
	if err != nil {
		return classifyDBError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, u.stmt.sql(len(deduped)), args...); err != nil {
		return classifyDBError(err, "batch upsert failed")
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyDBError(err, "commit failed")
	}

	u.logger.Debug("batch committed", zap.Int("rows", len(deduped)))
	return nil
}

// dedupeByKey drops rows whose key tuple repeats within the batch,
// keeping the first occurrence so extraction order wins.
func (u *TableUpserter) dedupeByKey(rows []map[string]string) ([]map[string]string, int) {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	duplicates := 0

	var key strings.Builder
	for _, row := range rows {
		key.Reset()
		for i, k := range u.keyColumns {
			if i > 0 {
				key.WriteByte(0)
			}
			key.WriteString(row[k])
		}
		tuple := key.String()
		if _, dup := seen[tuple]; dup {
			duplicates++
			continue
		}
		seen[tuple] = struct{}{}
		out = append(out, row)
	}
	return out, duplicates
}

// coerceBatch converts string cells to native column values, row-major.
// A null or blank value against a non-nullable column is a hard per-row
// error aborting the whole call.
func (u *TableUpserter) coerceBatch(rows []map[string]string) ([]any, error) {
	args := make([]any, 0, len(rows)*len(u.columns))

	for rowIdx, row := range rows {
		for _, col := range u.columns {
			desc := u.descriptors[col]
			value, present := row[col]
			if !present || strings.TrimSpace(value) == "" {
				if !desc.Nullable {
					return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeData,
						"row %d: null value for non-nullable column %q", rowIdx, col)
				}
				args = append(args, nil)
				continue
			}
			native, err := coerceValue(value, desc)
			if err != nil {
				return nil, xsinkerrors.Wrap(err, xsinkerrors.ErrorTypeData, "coercion failed").
					WithDetail("row", rowIdx).
					WithDetail("column", col)
			}
			args = append(args, native)
		}
	}
	return args, nil
}
