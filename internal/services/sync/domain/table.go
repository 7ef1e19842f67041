// Package domain holds the entity-agnostic types shared by the sync engine.
package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnType is the storage type of a column.
type ColumnType int

const (
	Integer ColumnType = iota + 1
	Text
	Real
	Timestamp
	Boolean
)

func (t ColumnType) String() string {
	switch t {
	case Integer:
		return "integer"
	case Text:
		return "text"
	case Real:
		return "real"
	case Timestamp:
		return "timestamp"
	case Boolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Column describes one column of a mirrored table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	// KeepOnNull keeps the stored value when an update carries a null.
	KeepOnNull bool
}

// Table describes the relational target of one entity.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks that the table is well formed. Identifiers are interpolated
// into SQL, so only lower-case snake_case names are accepted.
func (t Table) Validate() error {
	if !identifierPattern.MatchString(t.Name) {
		return fmt.Errorf("table name %q is not a valid identifier", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: at least one column is required", t.Name)
	}
	seen := make(map[string]Column, len(t.Columns))
	for _, col := range t.Columns {
		if !identifierPattern.MatchString(col.Name) {
			return fmt.Errorf("table %s: column name %q is not a valid identifier", t.Name, col.Name)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, col.Name)
		}
		if col.Type < Integer || col.Type > Boolean {
			return fmt.Errorf("table %s: column %s has unknown type", t.Name, col.Name)
		}
		seen[col.Name] = col
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: primary key is required", t.Name)
	}
	keys := make(map[string]struct{}, len(t.PrimaryKey))
	for _, key := range t.PrimaryKey {
		col, ok := seen[key]
		if !ok {
			return fmt.Errorf("table %s: primary key column %q is not declared", t.Name, key)
		}
		if _, dup := keys[key]; dup {
			return fmt.Errorf("table %s: primary key column %q repeated", t.Name, key)
		}
		if col.Nullable {
			return fmt.Errorf("table %s: primary key column %q cannot be nullable", t.Name, key)
		}
		if col.KeepOnNull {
			return fmt.Errorf("table %s: primary key column %q cannot keep on null", t.Name, key)
		}
		keys[key] = struct{}{}
	}
	return nil
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// KeyColumns returns the primary-key columns in key order.
func (t Table) KeyColumns() []Column {
	out := make([]Column, 0, len(t.PrimaryKey))
	for _, key := range t.PrimaryKey {
		if col, ok := t.Column(key); ok {
			out = append(out, col)
		}
	}
	return out
}

// ColumnNames returns every column name in declaration order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		out[i] = col.Name
	}
	return out
}

// IsKey reports whether name is part of the primary key.
func (t Table) IsKey(name string) bool {
	for _, key := range t.PrimaryKey {
		if key == name {
			return true
		}
	}
	return false
}

func (t Table) String() string {
	return t.Name + "(" + strings.Join(t.PrimaryKey, ",") + ")"
}
