package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/matchsync/internal/services/sync/storage"
)

// RecordRun persists one entity run attempt.
func (s *Store) RecordRun(ctx context.Context, run storage.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	run.RunID = strings.TrimSpace(run.RunID)
	run.Entity = strings.TrimSpace(run.Entity)
	run.Stage = strings.TrimSpace(run.Stage)
	run.Outcome = strings.TrimSpace(run.Outcome)
	run.LastError = strings.TrimSpace(run.LastError)
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if run.Stage == "" {
		return fmt.Errorf("stage is required")
	}
	if run.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if run.Attempt <= 0 {
		return fmt.Errorf("attempt must be greater than zero")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = run.StartedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO sync_runs (
	run_id,
	entity,
	stage,
	attempt,
	outcome,
	documents,
	rows_loaded,
	inserted,
	updated,
	failed,
	last_error,
	started_at,
	finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.RunID,
		run.Entity,
		run.Stage,
		run.Attempt,
		run.Outcome,
		run.Documents,
		run.Rows,
		run.Inserted,
		run.Updated,
		run.Failed,
		run.LastError,
		toMillis(run.StartedAt),
		toMillis(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// ListRuns lists newest-first run attempts, optionally for one entity.
func (s *Store) ListRuns(ctx context.Context, entity string, limit int) ([]storage.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	query := `
SELECT
	id,
	run_id,
	entity,
	stage,
	attempt,
	outcome,
	documents,
	rows_loaded,
	inserted,
	updated,
	failed,
	last_error,
	started_at,
	finished_at
FROM sync_runs`
	args := []any{}
	if entity = strings.TrimSpace(entity); entity != "" {
		query += "\nWHERE entity = ?"
		args = append(args, entity)
	}
	query += "\nORDER BY finished_at DESC, id DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	records := make([]storage.RunRecord, 0, limit)
	for rows.Next() {
		var record storage.RunRecord
		var startedAt, finishedAt int64
		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Entity,
			&record.Stage,
			&record.Attempt,
			&record.Outcome,
			&record.Documents,
			&record.Rows,
			&record.Inserted,
			&record.Updated,
			&record.Failed,
			&record.LastError,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		record.StartedAt = fromMillis(startedAt)
		record.FinishedAt = fromMillis(finishedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return records, nil
}
