package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/louisbranch/matchsync/internal/services/sync/metrics"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
)

// StatusSource reports the provider account usage.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}

// QuotaGate decides whether another provider call may be made.
type QuotaGate interface {
	// Remaining returns the requests left; zero or less blocks calls.
	Remaining(ctx context.Context) (int, error)
	// Reserve claims one request ahead of a call and reports false when the
	// budget is spent.
	Reserve(ctx context.Context) (bool, error)
}

// LocalQuota caches the provider status once per process and decrements it
// for every call this process makes.
type LocalQuota struct {
	source StatusSource

	mu        sync.Mutex
	loaded    bool
	remaining int
}

// NewLocalQuota builds a process-local gate backed by source.
func NewLocalQuota(source StatusSource) *LocalQuota {
	return &LocalQuota{source: source}
}

func (q *LocalQuota) load(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	status, err := q.source.Status(ctx)
	if err != nil {
		return err
	}
	q.remaining = status.Remaining()
	q.loaded = true
	metrics.QuotaRemaining.Set(float64(q.remaining))
	return nil
}

// Remaining returns the cached remaining quota, loading it on first use.
func (q *LocalQuota) Remaining(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return 0, err
	}
	return q.remaining, nil
}

// Reserve decrements the cached quota when any is left.
func (q *LocalQuota) Reserve(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return false, err
	}
	if q.remaining <= 0 {
		return false, nil
	}
	q.remaining--
	metrics.QuotaRemaining.Set(float64(q.remaining))
	return true, nil
}

// SharedQuota keeps quota in the store so concurrent processes on the same
// account draw from one budget. The ledger is seeded from the provider
// status once per process and day.
type SharedQuota struct {
	source   StatusSource
	ledger   storage.QuotaLedger
	provider string
	now      func() time.Time

	mu     sync.Mutex
	seeded string
}

// NewSharedQuota builds a store-backed gate for the named provider account.
func NewSharedQuota(source StatusSource, ledger storage.QuotaLedger, provider string, now func() time.Time) *SharedQuota {
	if now == nil {
		now = time.Now
	}
	return &SharedQuota{source: source, ledger: ledger, provider: provider, now: now}
}

func (q *SharedQuota) day() string {
	return q.now().UTC().Format("2006-01-02")
}

func (q *SharedQuota) seed(ctx context.Context, day string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seeded == day {
		return nil
	}
	status, err := q.source.Status(ctx)
	if err != nil {
		return err
	}
	if err := q.ledger.SeedQuota(ctx, q.provider, day, status.LimitDay, status.Current); err != nil {
		return fmt.Errorf("seed quota ledger: %w", err)
	}
	q.seeded = day
	return nil
}

// Remaining returns the ledger's remaining quota for today.
func (q *SharedQuota) Remaining(ctx context.Context) (int, error) {
	day := q.day()
	if err := q.seed(ctx, day); err != nil {
		return 0, err
	}
	remaining, _, err := q.ledger.QuotaRemaining(ctx, q.provider, day)
	if err != nil {
		return 0, err
	}
	metrics.QuotaRemaining.Set(float64(remaining))
	return remaining, nil
}

// Reserve claims one request from today's ledger row.
func (q *SharedQuota) Reserve(ctx context.Context) (bool, error) {
	day := q.day()
	if err := q.seed(ctx, day); err != nil {
		return false, err
	}
	return q.ledger.ReserveQuota(ctx, q.provider, day)
}

var (
	_ QuotaGate = (*LocalQuota)(nil)
	_ QuotaGate = (*SharedQuota)(nil)
)
