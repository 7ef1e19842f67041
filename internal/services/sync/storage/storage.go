// Package storage defines the persistence contracts of the sync engine.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
)

// UpsertResult reports how one upsert call partitioned its rows.
type UpsertResult struct {
	Table    string
	Inserted int
	Updated  int
	// Collapsed counts rows dropped because a later row in the same batch
	// carried the same key.
	Collapsed int
	// KeyCastFailures counts rows whose key could not be normalized and were
	// sent down the insert path.
	KeyCastFailures int
}

// Total returns the number of rows written.
func (r UpsertResult) Total() int {
	return r.Inserted + r.Updated
}

// Add accumulates other into r.
func (r *UpsertResult) Add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Collapsed += other.Collapsed
	r.KeyCastFailures += other.KeyCastFailures
}

// RowStore writes mirrored entity rows.
type RowStore interface {
	EnsureTable(ctx context.Context, table domain.Table) error
	Upsert(ctx context.Context, table domain.Table, rows []domain.Row) (UpsertResult, error)
	InsertMissing(ctx context.Context, table domain.Table, rows []domain.Row) (int, error)
}

// WindowQuerier answers the read-only queries entity windows are built from.
// Queries use ? placeholders regardless of dialect.
type WindowQuerier interface {
	EnsureTable(ctx context.Context, table domain.Table) error
	QueryStrings(ctx context.Context, query string, args ...any) ([]string, error)
}

// QuotaLedger is the shared provider quota state for one account and day.
type QuotaLedger interface {
	SeedQuota(ctx context.Context, provider, day string, limit, used int) error
	ReserveQuota(ctx context.Context, provider, day string) (bool, error)
	QuotaRemaining(ctx context.Context, provider, day string) (remaining int, found bool, err error)
}

// RunRecord is one durable entity run attempt.
type RunRecord struct {
	ID         int64
	RunID      string
	Entity     string
	Stage      string
	Attempt    int
	Outcome    string
	Documents  int
	Rows       int
	Inserted   int
	Updated    int
	Failed     int
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunStore persists entity run attempts.
type RunStore interface {
	RecordRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, entity string, limit int) ([]RunRecord, error)
}
