package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
	"go.uber.org/zap"
)

type plannedRow struct {
	row    domain.Row
	key    []any
	lookup string
}

type upsertPlan struct {
	inserts []plannedRow
	updates []plannedRow
	// castFailed rows could not be looked up, so they are inserted with the
	// dialect's conflict-tolerant insert and a replay leaves them unchanged.
	castFailed []plannedRow
	collapsed  int
}

// Upsert writes rows into table, updating rows whose primary key already
// exists and inserting the rest. All writes of one call share a transaction.
func (s *Store) Upsert(ctx context.Context, table domain.Table, rows []domain.Row) (storage.UpsertResult, error) {
	result := storage.UpsertResult{Table: table.Name}
	if len(rows) == 0 {
		return result, nil
	}
	if err := s.EnsureTable(ctx, table); err != nil {
		return result, apperrors.Wrap(apperrors.CodeUpsertTransactionError, "bootstrap table "+table.Name, err)
	}

	plan, err := s.plan(ctx, table, rows)
	if err != nil {
		return result, apperrors.Wrap(apperrors.CodeUpsertTransactionError, "lookup existing keys in "+table.Name, err)
	}
	result.Collapsed = plan.collapsed
	result.KeyCastFailures = len(plan.castFailed)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertRows(ctx, tx, table, plan.inserts, false); err != nil {
			return err
		}
		if err := s.insertRows(ctx, tx, table, plan.castFailed, true); err != nil {
			return err
		}
		return s.updateRows(ctx, tx, table, plan.updates)
	})
	if err != nil {
		s.logger.Error("upsert rolled back",
			zap.String("table", table.Name),
			zap.Int("inserts", len(plan.inserts)),
			zap.Int("updates", len(plan.updates)),
			zap.Error(err),
		)
		return result, apperrors.WrapWithMetadata(
			apperrors.CodeUpsertTransactionError,
			"upsert "+table.Name,
			map[string]string{"table": table.Name},
			err,
		)
	}
	result.Inserted = len(plan.inserts) + len(plan.castFailed)
	result.Updated = len(plan.updates)
	return result, nil
}

// InsertMissing inserts only the rows whose key is absent and never updates
// existing rows. It returns the number of rows it attempted to insert.
func (s *Store) InsertMissing(ctx context.Context, table domain.Table, rows []domain.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.EnsureTable(ctx, table); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUpsertTransactionError, "bootstrap table "+table.Name, err)
	}
	plan, err := s.plan(ctx, table, rows)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUpsertTransactionError, "lookup existing keys in "+table.Name, err)
	}
	missing := append(plan.inserts, plan.castFailed...)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		return s.insertRows(ctx, tx, table, missing, true)
	})
	if err != nil {
		s.logger.Error("insert missing rolled back", zap.String("table", table.Name), zap.Error(err))
		return 0, apperrors.Wrap(apperrors.CodeUpsertTransactionError, "insert missing "+table.Name, err)
	}
	return len(missing), nil
}

// plan normalizes keys, collapses duplicates, and partitions rows into the
// insert and update sets with one lookup per parameter-limited batch.
func (s *Store) plan(ctx context.Context, table domain.Table, rows []domain.Row) (upsertPlan, error) {
	var plan upsertPlan
	ordered := make([]plannedRow, 0, len(rows))
	index := make(map[string]int, len(rows))

	for _, row := range rows {
		key, lookup, err := keyOf(table, row)
		if err != nil {
			s.logger.Warn("key cast failed; row takes the insert path",
				zap.String("table", table.Name),
				zap.String("code", string(apperrors.CodeOf(err))),
				zap.Error(err),
			)
			plan.castFailed = append(plan.castFailed, plannedRow{row: row})
			continue
		}
		pr := plannedRow{row: row, key: key, lookup: lookup}
		if at, dup := index[lookup]; dup {
			ordered[at] = pr
			plan.collapsed++
			continue
		}
		index[lookup] = len(ordered)
		ordered = append(ordered, pr)
	}

	existing, err := s.existingKeys(ctx, table, ordered)
	if err != nil {
		return plan, err
	}
	for _, pr := range ordered {
		if existing[pr.lookup] {
			plan.updates = append(plan.updates, pr)
			continue
		}
		plan.inserts = append(plan.inserts, pr)
	}
	return plan, nil
}

func (s *Store) existingKeys(ctx context.Context, table domain.Table, keyed []plannedRow) (map[string]bool, error) {
	found := make(map[string]bool, len(keyed))
	if len(keyed) == 0 {
		return found, nil
	}

	keyCols := table.KeyColumns()
	width := len(keyCols)
	perQuery := s.dialect.maxParams() / width
	quotedKeys := make([]string, width)
	for i, k := range table.PrimaryKey {
		quotedKeys[i] = s.dialect.quote(k)
	}

	for start := 0; start < len(keyed); start += perQuery {
		end := min(start+perQuery, len(keyed))
		batch := keyed[start:end]
		args := make([]any, 0, len(batch)*width)
		for _, pr := range batch {
			args = append(args, s.keyArgs(keyCols, pr.key)...)
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(quotedKeys, ", "),
			s.dialect.quote(table.Name),
			s.dialect.tupleIn(table.PrimaryKey, len(batch), 1),
		)
		if err := s.scanKeys(ctx, table, query, args, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (s *Store) scanKeys(ctx context.Context, table domain.Table, query string, args []any, found map[string]bool) error {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	width := len(table.PrimaryKey)
	for rows.Next() {
		values := make([]any, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan key: %w", err)
		}
		stored := make(domain.Row, width)
		for i, k := range table.PrimaryKey {
			stored[k] = values[i]
		}
		_, lookup, err := keyOf(table, stored)
		if err != nil {
			return fmt.Errorf("normalize stored key: %w", err)
		}
		found[lookup] = true
	}
	return rows.Err()
}

func (s *Store) keyArgs(cols []domain.Column, key []any) []any {
	args := make([]any, len(key))
	for i, v := range key {
		args[i] = s.dialect.bindValue(cols[i], v)
	}
	return args
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insertRows(ctx context.Context, tx *sql.Tx, table domain.Table, rows []plannedRow, ignoreExisting bool) error {
	if len(rows) == 0 {
		return nil
	}
	width := len(table.Columns)
	perStmt := s.dialect.maxParams() / width
	cols := make([]string, width)
	for i, c := range table.Columns {
		cols[i] = s.dialect.quote(c.Name)
	}
	prefix, suffix := "INSERT INTO", ""
	if ignoreExisting {
		prefix, suffix = s.dialect.insertIgnore()
	}

	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		batch := rows[start:end]

		var b strings.Builder
		fmt.Fprintf(&b, "%s %s (%s) VALUES ", prefix, s.dialect.quote(table.Name), strings.Join(cols, ", "))
		args := make([]any, 0, len(batch)*width)
		p := 1
		for i, pr := range batch {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for j, col := range table.Columns {
				if j > 0 {
					b.WriteString(", ")
				}
				b.WriteString(s.dialect.bind(p))
				p++
				args = append(args, s.dialect.bindValue(col, pr.row[col.Name]))
			}
			b.WriteString(")")
		}
		b.WriteString(suffix)

		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table.Name, err)
		}
	}
	return nil
}

func (s *Store) updateRows(ctx context.Context, tx *sql.Tx, table domain.Table, rows []plannedRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, setCols := s.dialect.updateSQL(table)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare update %s: %w", table.Name, err)
	}
	defer stmt.Close()

	keyCols := table.KeyColumns()
	for _, pr := range rows {
		args := make([]any, 0, len(setCols)+len(keyCols))
		for _, col := range setCols {
			args = append(args, s.dialect.bindValue(col, pr.row[col.Name]))
		}
		args = append(args, s.keyArgs(keyCols, pr.key)...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("update %s: %w", table.Name, err)
		}
	}
	return nil
}

// updateSQL renders the full-row update of every non-key column. Columns
// marked KeepOnNull keep their stored value when the new value is null.
func (d Dialect) updateSQL(table domain.Table) (string, []domain.Column) {
	setCols := make([]domain.Column, 0, len(table.Columns))
	for _, col := range table.Columns {
		if !table.IsKey(col.Name) {
			setCols = append(setCols, col)
		}
	}
	p := 1
	sets := make([]string, 0, len(setCols))
	for _, col := range setCols {
		q := d.quote(col.Name)
		if col.KeepOnNull {
			sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, %s)", q, d.bind(p), q))
		} else {
			sets = append(sets, fmt.Sprintf("%s = %s", q, d.bind(p)))
		}
		p++
	}
	where := make([]string, len(table.PrimaryKey))
	for i, k := range table.PrimaryKey {
		where[i] = fmt.Sprintf("%s = %s", d.quote(k), d.bind(p))
		p++
	}
	if len(sets) == 0 {
		// Key-only tables: touch the key so the statement stays valid.
		k := d.quote(table.PrimaryKey[0])
		sets = append(sets, fmt.Sprintf("%s = %s", k, k))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.quote(table.Name), strings.Join(sets, ", "), strings.Join(where, " AND ")), setCols
}
