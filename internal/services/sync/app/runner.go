// Package app wires the sync engine together and runs selected entities with
// bounded retry.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/platform/logging"
	"github.com/louisbranch/matchsync/internal/services/sync/docstore"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/metrics"
	"github.com/louisbranch/matchsync/internal/services/sync/pipeline"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// Attempt outcomes as recorded in the run log.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// Config controls how entities are run.
type Config struct {
	Stage        domain.Stage
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c Config) normalized() Config {
	if c.Stage == "" {
		c.Stage = domain.StageRun
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Executor runs one stage of one entity.
type Executor interface {
	Run(ctx context.Context, d pipeline.Descriptor, stage domain.Stage) (pipeline.Report, error)
}

// Snapshotter uploads the documents archived by a successful run.
type Snapshotter interface {
	Upload(ctx context.Context, entity, runID string, archived []docstore.Document) (string, error)
}

// Attempt is one execution of one entity.
type Attempt struct {
	RunID      string
	Entity     string
	Stage      domain.Stage
	Number     int
	Outcome    string
	Report     pipeline.Report
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// AttemptRecorder persists attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// Result is the final state of one entity.
type Result struct {
	Entity   string
	Attempts int
	Report   pipeline.Report
	Snapshot string
	Err      error
}

// Summary collects the results of one invocation.
type Summary struct {
	RunID   string
	Results []Result
}

// Failed lists the entities that did not succeed.
func (s Summary) Failed() []string {
	var failed []string
	for _, r := range s.Results {
		if r.Err != nil {
			failed = append(failed, r.Entity)
		}
	}
	return failed
}

// Err joins the errors of every failed entity.
func (s Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Entity, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Runner executes entities in order, retrying failed attempts.
type Runner struct {
	exec      Executor
	recorder  AttemptRecorder
	snapshots Snapshotter
	cfg       Config
	logger    *zap.Logger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newRunID  func() string
}

// NewRunner builds a runner. recorder and snapshots may be nil.
func NewRunner(exec Executor, recorder AttemptRecorder, snapshots Snapshotter, cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		exec:      exec,
		recorder:  recorder,
		snapshots: snapshots,
		cfg:       cfg.normalized(),
		logger:    logging.OrNop(logger),
		clock:     time.Now,
		sleep:     sleepContext,
		newRunID:  uuid.NewString,
	}
}

// Run executes every descriptor in order. A failing entity does not stop the
// ones after it; the joined failures are returned.
func (r *Runner) Run(ctx context.Context, descriptors []pipeline.Descriptor) (Summary, error) {
	if r == nil || r.exec == nil {
		return Summary{}, fmt.Errorf("executor is required")
	}
	summary := Summary{RunID: r.newRunID()}
	r.logger.Info("sync run started",
		zap.String("run_id", summary.RunID),
		zap.String("stage", string(r.cfg.Stage)),
		zap.Int("entities", len(descriptors)),
	)
	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			summary.Results = append(summary.Results, Result{Entity: d.Name, Err: err})
			continue
		}
		summary.Results = append(summary.Results, r.runEntity(ctx, summary.RunID, d))
	}
	if failed := summary.Failed(); len(failed) > 0 {
		r.logger.Error("sync run finished with failures",
			zap.String("run_id", summary.RunID),
			zap.String("failed", strings.Join(failed, ",")),
		)
	} else {
		r.logger.Info("sync run finished", zap.String("run_id", summary.RunID))
	}
	return summary, summary.Err()
}

func (r *Runner) runEntity(ctx context.Context, runID string, d pipeline.Descriptor) Result {
	logger := r.logger.With(zap.String("run_id", runID), zap.String("entity", d.Name))
	result := Result{Entity: d.Name}

	for number := 1; number <= r.cfg.MaxAttempts; number++ {
		attempt := Attempt{
			RunID:     runID,
			Entity:    d.Name,
			Stage:     r.cfg.Stage,
			Number:    number,
			StartedAt: r.clock(),
		}
		report, err := r.exec.Run(ctx, d, r.cfg.Stage)
		attempt.FinishedAt = r.clock()
		attempt.Report = report
		attempt.Err = err
		result.Attempts = number
		result.Report = report
		result.Err = err

		switch {
		case err == nil:
			attempt.Outcome = OutcomeSucceeded
		case number < r.cfg.MaxAttempts && retryable(ctx, err):
			attempt.Outcome = OutcomeRetry
		default:
			attempt.Outcome = OutcomeFailed
		}
		r.record(ctx, logger, attempt)
		metrics.RunAttempts.WithLabelValues(d.Name, attempt.Outcome).Inc()

		switch attempt.Outcome {
		case OutcomeSucceeded:
			metrics.LastSuccess.WithLabelValues(d.Name).Set(float64(attempt.FinishedAt.Unix()))
			result.Snapshot = r.snapshot(ctx, logger, runID, d.Name, report.Archived)
			return result
		case OutcomeFailed:
			logger.Error("entity failed",
				zap.Int("attempt", number),
				zap.String("code", string(apperrors.CodeOf(err))),
				zap.Error(err),
			)
			return result
		}

		logger.Warn("entity attempt failed; retrying",
			zap.Int("attempt", number),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Duration("backoff", r.cfg.RetryBackoff),
			zap.Error(err),
		)
		if err := r.sleep(ctx, r.cfg.RetryBackoff); err != nil {
			result.Err = err
			return result
		}
	}
	return result
}

// retryable reports whether another attempt could succeed.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if domain.IsPermanent(err) {
		return false
	}
	return apperrors.CodeOf(err).Retryable()
}

func (r *Runner) record(ctx context.Context, logger *zap.Logger, attempt Attempt) {
	if r.recorder == nil {
		return
	}
	// Record even when ctx was cancelled so the attempt is not lost.
	if err := r.recorder.RecordAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		logger.Warn("record attempt", zap.Error(err))
	}
}

func (r *Runner) snapshot(ctx context.Context, logger *zap.Logger, runID, entity string, archived []docstore.Document) string {
	if r.snapshots == nil || len(archived) == 0 {
		return ""
	}
	key, err := r.snapshots.Upload(ctx, entity, runID, archived)
	if err != nil {
		logger.Warn("snapshot upload failed", zap.Error(err))
		return ""
	}
	return key
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runStoreRecorder adapts a RunStore to AttemptRecorder.
type runStoreRecorder struct {
	store storage.RunStore
}

func newRunStoreRecorder(store storage.RunStore) *runStoreRecorder {
	return &runStoreRecorder{store: store}
}

func (r *runStoreRecorder) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if r == nil || r.store == nil {
		return nil
	}
	report := attempt.Report
	record := storage.RunRecord{
		RunID:      attempt.RunID,
		Entity:     attempt.Entity,
		Stage:      string(attempt.Stage),
		Attempt:    attempt.Number,
		Outcome:    attempt.Outcome,
		Documents:  report.Documents,
		Rows:       report.Result.Total(),
		Inserted:   report.Result.Inserted,
		Updated:    report.Result.Updated,
		Failed:     report.ParseFailed + report.FailedBatches,
		StartedAt:  attempt.StartedAt,
		FinishedAt: attempt.FinishedAt,
	}
	if attempt.Err != nil {
		record.LastError = attempt.Err.Error()
	}
	return r.store.RecordRun(ctx, record)
}
