package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
)

// EnsureTable creates the table when absent. The statement runs at most once
// per table for the lifetime of the store handle.
func (s *Store) EnsureTable(ctx context.Context, table domain.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[table.Name] {
		return nil
	}
	if err := table.Validate(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, s.dialect.createTableSQL(table)); err != nil {
		return fmt.Errorf("create table %s: %w", table.Name, err)
	}
	s.created[table.Name] = true
	return nil
}

func (d Dialect) createTableSQL(table domain.Table) string {
	defs := make([]string, 0, len(table.Columns)+1)
	for _, col := range table.Columns {
		def := d.quote(col.Name) + " " + d.columnType(col, table.IsKey(col.Name))
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	keys := make([]string, len(table.PrimaryKey))
	for i, k := range table.PrimaryKey {
		keys[i] = d.quote(k)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.quote(table.Name), strings.Join(defs, ",\n\t"))
}
