package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SeedQuota records the provider's reported limit and usage for day. Usage
// never moves backwards, so a stale status read cannot hand out spent quota.
func (s *Store) SeedQuota(ctx context.Context, provider, day string, limit, used int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	provider = strings.TrimSpace(provider)
	day = strings.TrimSpace(day)
	if provider == "" || day == "" {
		return fmt.Errorf("provider and day are required")
	}
	if limit < 0 || used < 0 {
		return fmt.Errorf("quota limit and usage must be non-negative")
	}

	conflicted := false
	for attempt := 0; attempt < 2; attempt++ {
		now := toMillis(time.Now())
		res, err := s.sqlDB.ExecContext(ctx, s.dialect.rebind(fmt.Sprintf(`
UPDATE provider_quota
SET limit_day = ?, used = %s(used, ?), updated_at = ?
WHERE provider = ? AND day = ?`, s.dialect.greatest())),
			limit, used, now, provider, day,
		)
		if err != nil {
			return fmt.Errorf("update quota: %w", err)
		}
		// MySQL reports zero affected rows when nothing changed, so after a
		// conflict the row is known to exist and the update stands.
		if n, err := res.RowsAffected(); conflicted || (err == nil && n > 0) {
			return nil
		}

		_, err = s.sqlDB.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO provider_quota (provider, day, limit_day, used, updated_at)
VALUES (?, ?, ?, ?, ?)`),
			provider, day, limit, used, now,
		)
		if err == nil {
			return nil
		}
		if !s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("insert quota: %w", err)
		}
		conflicted = true
	}
	return fmt.Errorf("seed quota for %s %s: concurrent seeding did not settle", provider, day)
}

// ReserveQuota consumes one request from the day's budget. It reports false
// when the budget is spent or the day was never seeded.
func (s *Store) ReserveQuota(ctx context.Context, provider, day string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	res, err := s.sqlDB.ExecContext(ctx, s.dialect.rebind(`
UPDATE provider_quota
SET used = used + 1, updated_at = ?
WHERE provider = ? AND day = ? AND used < limit_day`),
		toMillis(time.Now()), provider, day,
	)
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve quota rows: %w", err)
	}
	return n == 1, nil
}

// QuotaRemaining returns the unreserved requests left for day.
func (s *Store) QuotaRemaining(ctx context.Context, provider, day string) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, false, fmt.Errorf("storage is not configured")
	}
	var limit, used int
	err := s.sqlDB.QueryRowContext(ctx, s.dialect.rebind(`
SELECT limit_day, used FROM provider_quota WHERE provider = ? AND day = ?`),
		provider, day,
	).Scan(&limit, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read quota: %w", err)
	}
	return max(limit-used, 0), true, nil
}
