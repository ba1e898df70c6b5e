package warehouse

import (
	"strconv"
	"strings"
)

// upsertStatement holds the static parts of one table's insert-or-update
// statement. The column list and conflict clause are built once; only
// the VALUES placeholders expand with the batch row count.
type upsertStatement struct {
	table    string
	columns  []string
	insert   string // "INSERT INTO t (c1, c2) VALUES "
	conflict string // " ON CONFLICT (k1) DO UPDATE SET c2 = EXCLUDED.c2" | "... DO NOTHING"
}

// newUpsertStatement builds the statement skeleton for a table. keySet
// must be a subset of columns; callers validate that beforehand.
func newUpsertStatement(table string, columns, keyColumns []string) *upsertStatement {
	var insert strings.Builder
	insert.WriteString("INSERT INTO ")
	insert.WriteString(table)
	insert.WriteString(" (")
	insert.WriteString(strings.Join(columns, ", "))
	insert.WriteString(") VALUES ")

	keySet := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keySet[k] = struct{}{}
	}

	var updates []string
	for _, c := range columns {
		if _, isKey := keySet[c]; !isKey {
			updates = append(updates, c+" = EXCLUDED."+c)
		}
	}

	var conflict strings.Builder
	conflict.WriteString(" ON CONFLICT (")
	conflict.WriteString(strings.Join(keyColumns, ", "))
	conflict.WriteString(")")
	if len(updates) == 0 {
		conflict.WriteString(" DO NOTHING")
	} else {
		conflict.WriteString(" DO UPDATE SET ")
		conflict.WriteString(strings.Join(updates, ", "))
	}

	return &upsertStatement{
		table:    table,
		columns:  columns,
		insert:   insert.String(),
		conflict: conflict.String(),
	}
}

// sql expands the statement for a batch of rowCount rows, numbering
// placeholders row-major: ($1, $2), ($3, $4), ...
func (s *upsertStatement) sql(rowCount int) string {
	width := len(s.columns)

	var b strings.Builder
	b.Grow(len(s.insert) + len(s.conflict) + rowCount*width*5)
	b.WriteString(s.insert)

	arg := 1
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for col := 0; col < width; col++ {
			if col > 0 {
				b.WriteString(", ")
			}
			b.WriteString("$")
			b.WriteString(strconv.Itoa(arg))
			arg++
		}
		b.WriteString(")")
	}

	b.WriteString(s.conflict)
	return b.String()
}
