package config

import (
	"path"
	"strings"

	"github.com/datachute/xmlsink/pkg/xsinkerrors"
)

// RuleKind selects what an extraction rule reads from the document.
type RuleKind string

const (
	// RuleKindAttribute extracts a named attribute; the attribute name is
	// the last segment of the rule's relative path.
	RuleKindAttribute RuleKind = "attribute"
	// RuleKindContent extracts the accumulated text of an element.
	RuleKindContent RuleKind = "content"
)

// ExtractionRule maps one location inside a record subtree to an output key.
// Rules are immutable once a mapping is loaded and are shared read-only
// across documents.
type ExtractionRule struct {
	// RelativePath locates the source node relative to the record root.
	// Empty means the record-root element itself (content rules only).
	RelativePath []string `yaml:"relative_path" json:"relative_path"`
	// Kind selects attribute or content extraction
	Kind RuleKind `yaml:"kind" json:"kind"`
	// Required invalidates a record when the value is missing or blank
	Required bool `yaml:"required" json:"required"`
	// ExcludeFromOutput keeps the value for validation but strips it from
	// the emitted record
	ExcludeFromOutput bool `yaml:"exclude_from_output" json:"exclude_from_output"`
	// OutputKey names the value in the extracted record; unique per mapping
	OutputKey string `yaml:"output_key" json:"output_key"`
}

// AttributeName returns the attribute to read for an attribute rule.
func (r *ExtractionRule) AttributeName() string {
	if len(r.RelativePath) == 0 {
		return ""
	}
	return r.RelativePath[len(r.RelativePath)-1]
}

// ElementPath returns the element path the rule is anchored to. For
// attribute rules this excludes the trailing attribute-name segment.
func (r *ExtractionRule) ElementPath() []string {
	if r.Kind == RuleKindAttribute && len(r.RelativePath) > 0 {
		return r.RelativePath[:len(r.RelativePath)-1]
	}
	return r.RelativePath
}

// TableTarget describes one destination table of a mapping.
type TableTarget struct {
	// Name is the (possibly schema-qualified) table identifier
	Name string `yaml:"name" json:"name"`
	// Columns is the intended write-column set
	Columns []string `yaml:"columns" json:"columns"`
	// KeyColumns is the unique/conflict column set
	KeyColumns []string `yaml:"key_columns" json:"key_columns"`
	// BatchSize bounds rows per upsert call
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// QueueCapacity overrides the run-level queue capacity when positive
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
}

// baseName returns the table name without a schema qualifier.
func (t *TableTarget) baseName() string {
	if i := strings.LastIndex(t.Name, "."); i >= 0 {
		return t.Name[i+1:]
	}
	return t.Name
}

// ColumnRef resolves one output key to a destination table column.
type ColumnRef struct {
	Table  string
	Column string
}

// Mapping binds documents matching a name pattern to a record root path,
// an extraction rule set, and one or more destination tables.
type Mapping struct {
	// Name identifies the mapping in logs and errors
	Name string `yaml:"name" json:"name"`
	// DocumentPattern matches document names (path.Match syntax)
	DocumentPattern string `yaml:"document_pattern" json:"document_pattern"`
	// RecordRoot is the absolute element path delimiting one output record
	RecordRoot []string `yaml:"record_root" json:"record_root"`
	// Rules is the extraction rule set
	Rules []ExtractionRule `yaml:"rules" json:"rules"`
	// EnumValues constrains output keys to enumerated value sets
	EnumValues map[string][]string `yaml:"enum_values" json:"enum_values"`
	// Tables lists destination tables
	Tables []TableTarget `yaml:"tables" json:"tables"`

	resolution map[string]ColumnRef
}

// Matches reports whether a document name falls under this mapping.
func (m *Mapping) Matches(docName string) bool {
	if m.DocumentPattern == "" {
		return false
	}
	ok, err := path.Match(m.DocumentPattern, path.Base(docName))
	return err == nil && ok
}

// Resolution returns the output-key to table-column resolution. Validate
// must have succeeded first.
func (m *Mapping) Resolution() map[string]ColumnRef {
	return m.resolution
}

// Validate checks the mapping for configuration errors and builds the
// column resolution. It is called once per mapping, before any document
// I/O; a failure is fatal to this mapping only.
func (m *Mapping) Validate() error {
	if m.Name == "" {
		return xsinkerrors.New(xsinkerrors.ErrorTypeConfig, "mapping name is required")
	}
	if len(m.RecordRoot) == 0 {
		return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: record root path is empty", m.Name)
	}
	if len(m.Rules) == 0 {
		return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: rule set is empty", m.Name)
	}

	seen := make(map[string]struct{}, len(m.Rules))
	for i := range m.Rules {
		rule := &m.Rules[i]
		if rule.OutputKey == "" {
			return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: rule %d has empty output key", m.Name, i)
		}
		if _, dup := seen[rule.OutputKey]; dup {
			return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: duplicate output key %q", m.Name, rule.OutputKey)
		}
		seen[rule.OutputKey] = struct{}{}

		switch rule.Kind {
		case RuleKindAttribute:
			if rule.AttributeName() == "" {
				return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
					"mapping %q: attribute rule %q has no attribute-name segment", m.Name, rule.OutputKey)
			}
		case RuleKindContent:
		default:
			return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"mapping %q: rule %q has unknown kind %q", m.Name, rule.OutputKey, rule.Kind)
		}
	}

	for key := range m.EnumValues {
		if _, ok := seen[key]; !ok {
			return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"mapping %q: enum constraint references unknown output key %q", m.Name, key)
		}
	}

	if len(m.Tables) == 0 {
		return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: no destination tables", m.Name)
	}
	for i := range m.Tables {
		if err := m.validateTable(&m.Tables[i]); err != nil {
			return err
		}
	}

	resolution, err := m.resolveColumns()
	if err != nil {
		return err
	}
	m.resolution = resolution
	return nil
}

func (m *Mapping) validateTable(t *TableTarget) error {
	if t.Name == "" {
		return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: table with empty name", m.Name)
	}
	if len(t.Columns) == 0 {
		return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: table %q has no columns", m.Name, t.Name)
	}
	if len(t.KeyColumns) == 0 {
		return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig, "mapping %q: table %q has no key columns", m.Name, t.Name)
	}
	cols := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		cols[c] = struct{}{}
	}
	for _, k := range t.KeyColumns {
		if _, ok := cols[k]; !ok {
			return xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"mapping %q: table %q key column %q is not a write column", m.Name, t.Name, k)
		}
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 500
	}
	return nil
}

// resolveColumns builds the output-key to table-column resolution. When
// more than one destination table is configured, every resolvable output
// key must be qualified as "table.column"; with a single table unqualified
// keys resolve against that table's column set by name.
func (m *Mapping) resolveColumns() (map[string]ColumnRef, error) {
	byName := make(map[string]*TableTarget, len(m.Tables))
	for i := range m.Tables {
		t := &m.Tables[i]
		byName[t.Name] = t
		byName[t.baseName()] = t
	}

	resolution := make(map[string]ColumnRef, len(m.Rules))
	for i := range m.Rules {
		rule := &m.Rules[i]
		if rule.ExcludeFromOutput {
			continue
		}
		key := rule.OutputKey

		var target *TableTarget
		var column string
		if dot := strings.LastIndex(key, "."); dot >= 0 {
			tablePart, colPart := key[:dot], key[dot+1:]
			t, ok := byName[tablePart]
			if !ok {
				return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
					"mapping %q: output key %q references unknown table %q", m.Name, key, tablePart)
			}
			target, column = t, colPart
		} else {
			if len(m.Tables) > 1 {
				return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
					"mapping %q: output key %q must be qualified as table.column when multiple tables are configured", m.Name, key)
			}
			target, column = &m.Tables[0], key
		}

		found := false
		for _, c := range target.Columns {
			if c == column {
				found = true
				break
			}
		}
		if !found {
			return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
				"mapping %q: output key %q resolves to column %q not present in table %q", m.Name, key, column, target.Name)
		}
		resolution[key] = ColumnRef{Table: target.Name, Column: column}
	}

	if len(resolution) == 0 {
		return nil, xsinkerrors.Newf(xsinkerrors.ErrorTypeConfig,
			"mapping %q: no output key resolves to any destination column", m.Name)
	}
	return resolution, nil
}
