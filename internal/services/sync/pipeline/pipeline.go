package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/platform/logging"
	platformotel "github.com/louisbranch/matchsync/internal/platform/otel"
	"github.com/louisbranch/matchsync/internal/services/sync/docstore"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/ingest"
	"github.com/louisbranch/matchsync/internal/services/sync/metrics"
	"github.com/louisbranch/matchsync/internal/services/sync/provider"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/louisbranch/matchsync/internal/services/sync/pipeline"

// Report summarizes one stage run of one entity.
type Report struct {
	Entity string
	Stage  domain.Stage
	Window domain.Window
	Fetch  provider.Summary

	Documents   int
	Parsed      int
	ParseFailed int
	// Staged counts documents whose rows were written by the process stage.
	Staged int
	// Skipped counts documents the load stage found without staged rows.
	Skipped int
	// Dropped counts rows discarded for a missing primary-key value.
	Dropped       int
	FailedBatches int
	Result        storage.UpsertResult
	Archived      []docstore.Document
}

// Pipeline executes entity descriptors against a document store and a row
// store.
type Pipeline struct {
	docs   *docstore.Store
	rows   storage.RowStore
	logger *zap.Logger
	tracer trace.Tracer
}

// New builds a pipeline. rows may be nil when every descriptor brings its
// own load function.
func New(docs *docstore.Store, rows storage.RowStore, logger *zap.Logger) (*Pipeline, error) {
	if docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	return &Pipeline{
		docs:   docs,
		rows:   rows,
		logger: logging.OrNop(logger),
		tracer: platformotel.Tracer(tracerName),
	}, nil
}

// Run executes one stage for d.
func (p *Pipeline) Run(ctx context.Context, d Descriptor, stage domain.Stage) (report Report, err error) {
	report = Report{Entity: d.Name, Stage: stage}
	if err := d.Validate(); err != nil {
		return report, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage), trace.WithAttributes(
		attribute.String("entity", d.Name),
		attribute.String("stage", string(stage)),
	))
	started := time.Now()
	logger := p.logger.With(zap.String("entity", d.Name), zap.String("stage", string(stage)))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("documents", report.Documents),
			attribute.Int("rows.inserted", report.Result.Inserted),
			attribute.Int("rows.updated", report.Result.Updated),
		)
		span.End()
		metrics.StageDuration.WithLabelValues(d.Name, string(stage), outcome).Observe(time.Since(started).Seconds())
	}()

	switch stage {
	case domain.StageFetch:
		err = p.fetch(ctx, d, &report, logger)
	case domain.StageProcess:
		err = p.process(ctx, d, &report, logger)
	case domain.StageLoad:
		err = p.load(ctx, d, &report, logger)
	case domain.StageRun:
		err = p.run(ctx, d, &report, logger)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	if err == nil {
		logger.Info("stage complete",
			zap.Int("documents", report.Documents),
			zap.Int("parse_failed", report.ParseFailed),
			zap.Int("inserted", report.Result.Inserted),
			zap.Int("updated", report.Result.Updated),
			zap.Int("archived", len(report.Archived)),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
	return report, err
}

func (p *Pipeline) fetch(ctx context.Context, d Descriptor, report *Report, logger *zap.Logger) error {
	window, err := d.Window(ctx)
	if err != nil {
		return fmt.Errorf("entity %s: compute window: %w", d.Name, err)
	}
	report.Window = window
	if window.Empty() {
		logger.Info("window is empty; nothing to fetch")
		return nil
	}
	summary, err := d.Fetch(ctx, window)
	report.Fetch = summary
	if err != nil {
		return fmt.Errorf("entity %s: fetch: %w", d.Name, err)
	}
	return nil
}

// process parses and transforms every pending document and stages its rows.
// Nothing is written to the row store.
func (p *Pipeline) process(ctx context.Context, d Descriptor, report *Report, logger *zap.Logger) error {
	docs, err := p.docs.List(ctx, d.Subdir)
	if err != nil {
		return err
	}
	report.Documents = len(docs)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.parseDocument(ctx, d, doc)
		if err != nil {
			report.ParseFailed++
			metrics.Documents.WithLabelValues(d.Name, "parse_failed").Inc()
			logger.Warn("parse failed; document left in place", zap.String("document", doc.Path()), zap.Error(err))
			if err := p.docs.DropStaged(ctx, doc); err != nil {
				return err
			}
			continue
		}
		report.Parsed++
		metrics.Documents.WithLabelValues(d.Name, "parsed").Inc()

		rows, dropped, err := p.prepare(ctx, d, rows, logger)
		report.Dropped += dropped
		if err != nil {
			report.FailedBatches++
			logger.Error("transform failed; document not staged", zap.String("document", doc.Path()), zap.Error(err))
			if err := p.docs.DropStaged(ctx, doc); err != nil {
				return err
			}
			continue
		}
		if err := p.docs.PutStaged(ctx, doc, rows); err != nil {
			return err
		}
		report.Staged++
	}
	return nil
}

// load writes previously staged rows and archives their documents.
func (p *Pipeline) load(ctx context.Context, d Descriptor, report *Report, logger *zap.Logger) error {
	docs, err := p.docs.List(ctx, d.Subdir)
	if err != nil {
		return err
	}
	report.Documents = len(docs)

	staged := make([]docstore.Document, 0, len(docs))
	for _, doc := range docs {
		ok, err := p.docs.HasStaged(ctx, doc)
		if err != nil {
			return err
		}
		if !ok {
			report.Skipped++
			logger.Warn("no staged rows; run the process stage first", zap.String("document", doc.Path()))
			continue
		}
		staged = append(staged, doc)
	}

	readStaged := func(ctx context.Context, doc docstore.Document) ([]domain.Row, error) {
		rows, ok, err := p.docs.ReadStaged(ctx, doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("staged rows for %s disappeared", doc.Path())
		}
		return rows, nil
	}
	return p.ingestDocuments(ctx, d, staged, readStaged, false, report, logger)
}

// run executes every stage with rows held in memory. Documents fetched before
// quota ran out are still loaded; the quota error is returned afterwards.
func (p *Pipeline) run(ctx context.Context, d Descriptor, report *Report, logger *zap.Logger) error {
	fetchErr := p.fetch(ctx, d, report, logger)
	if fetchErr != nil && !apperrors.Is(fetchErr, apperrors.CodeQuotaExceeded) {
		return fetchErr
	}

	docs, err := p.docs.List(ctx, d.Subdir)
	if err != nil {
		return err
	}
	report.Documents = len(docs)

	parse := func(ctx context.Context, doc docstore.Document) ([]domain.Row, error) {
		return p.parseDocument(ctx, d, doc)
	}
	if err := p.ingestDocuments(ctx, d, docs, parse, true, report, logger); err != nil {
		return err
	}
	return fetchErr
}

type rowSource = ingest.ParseFunc[docstore.Document]

// ingestDocuments reads rows for docs, optionally transforms them, loads, and
// archives. Sequential descriptors form one batch; concurrent descriptors are
// chunked.
func (p *Pipeline) ingestDocuments(ctx context.Context, d Descriptor, docs []docstore.Document, source rowSource, transform bool, report *Report, logger *zap.Logger) error {
	if len(docs) == 0 {
		return nil
	}
	if !d.Concurrent {
		return p.ingestSequential(ctx, d, docs, source, transform, report, logger)
	}

	var mu sync.Mutex
	load := func(ctx context.Context, chunk ingest.Chunk[docstore.Document]) error {
		rows := chunk.Rows
		dropped := 0
		if transform {
			var err error
			rows, dropped, err = p.prepare(ctx, d, rows, logger)
			if err != nil {
				return err
			}
		}
		result, archived, err := p.loadBatch(ctx, d, chunk.Docs, rows, logger)
		mu.Lock()
		defer mu.Unlock()
		report.Dropped += dropped
		if err != nil {
			return err
		}
		report.Result.Add(result)
		report.Archived = append(report.Archived, archived...)
		return nil
	}

	ir, err := ingest.Ingest(ctx, docs, source, load, ingest.Options{
		ChunkSize:  d.ChunkSize,
		MaxWorkers: d.MaxWorkers,
		Logger:     logger,
	})
	report.Parsed += ir.Parsed
	report.ParseFailed += ir.ParseFailed
	report.FailedBatches += ir.FailedChunks
	metrics.Documents.WithLabelValues(d.Name, "parsed").Add(float64(ir.Parsed))
	metrics.Documents.WithLabelValues(d.Name, "parse_failed").Add(float64(ir.ParseFailed))
	if err != nil {
		return err
	}
	if ir.FailedChunks > 0 {
		return fmt.Errorf("entity %s: %d of %d batches failed to load", d.Name, ir.FailedChunks, ir.Chunks)
	}
	return nil
}

func (p *Pipeline) ingestSequential(ctx context.Context, d Descriptor, docs []docstore.Document, source rowSource, transform bool, report *Report, logger *zap.Logger) error {
	var (
		parsed []docstore.Document
		rows   []domain.Row
	)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		docRows, err := source(ctx, doc)
		if err != nil {
			report.ParseFailed++
			metrics.Documents.WithLabelValues(d.Name, "parse_failed").Inc()
			logger.Warn("parse failed; document left in place", zap.String("document", doc.Path()), zap.Error(err))
			continue
		}
		report.Parsed++
		metrics.Documents.WithLabelValues(d.Name, "parsed").Inc()
		parsed = append(parsed, doc)
		rows = append(rows, docRows...)
	}
	if len(parsed) == 0 {
		return nil
	}

	if transform {
		var (
			dropped int
			err     error
		)
		rows, dropped, err = p.prepare(ctx, d, rows, logger)
		report.Dropped += dropped
		if err != nil {
			report.FailedBatches++
			return err
		}
	}
	result, archived, err := p.loadBatch(ctx, d, parsed, rows, logger)
	if err != nil {
		report.FailedBatches++
		return err
	}
	report.Result.Add(result)
	report.Archived = append(report.Archived, archived...)
	return nil
}

func (p *Pipeline) parseDocument(ctx context.Context, d Descriptor, doc docstore.Document) ([]domain.Row, error) {
	body, err := p.docs.Read(ctx, doc)
	if err != nil {
		return nil, err
	}
	rows, err := d.Parse(ctx, body)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeParseError {
			return nil, err
		}
		return nil, apperrors.WrapWithMetadata(apperrors.CodeParseError, "parse "+doc.Path(), map[string]string{
			"entity":   d.Name,
			"document": doc.Path(),
		}, err)
	}
	return rows, nil
}

// prepare applies the descriptor's transforms in order, then drops rows that
// lack a primary-key value.
func (p *Pipeline) prepare(ctx context.Context, d Descriptor, rows []domain.Row, logger *zap.Logger) ([]domain.Row, int, error) {
	for _, transform := range d.Transforms {
		out, err := transform.Apply(ctx, rows)
		if err != nil {
			return nil, 0, apperrors.WrapWithMetadata(apperrors.CodeTransformError, "transform "+transform.Name(), map[string]string{
				"entity":    d.Name,
				"transform": transform.Name(),
			}, err)
		}
		rows = out
	}

	kept := make([]domain.Row, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		if missing := row.MissingKeys(d.Table); len(missing) > 0 {
			dropped++
			logger.Warn("dropping row without primary key", zap.Strings("missing", missing))
			continue
		}
		kept = append(kept, row)
	}
	return kept, dropped, nil
}

// loadBatch writes rows and archives docs once the write has succeeded.
func (p *Pipeline) loadBatch(ctx context.Context, d Descriptor, docs []docstore.Document, rows []domain.Row, logger *zap.Logger) (storage.UpsertResult, []docstore.Document, error) {
	var result storage.UpsertResult
	if len(rows) > 0 {
		var err error
		result, err = p.loadRows(ctx, d, rows)
		if err != nil {
			return storage.UpsertResult{}, nil, err
		}
		metrics.RowsLoaded.WithLabelValues(d.Name, "insert").Add(float64(result.Inserted))
		metrics.RowsLoaded.WithLabelValues(d.Name, "update").Add(float64(result.Updated))
	}

	archived := make([]docstore.Document, 0, len(docs))
	for _, doc := range docs {
		if err := p.docs.Archive(ctx, doc); err != nil {
			logger.Warn("archive failed; document will be reloaded", zap.String("document", doc.Path()), zap.Error(err))
			continue
		}
		archived = append(archived, doc)
		metrics.Documents.WithLabelValues(d.Name, "archived").Inc()
	}
	return result, archived, nil
}

func (p *Pipeline) loadRows(ctx context.Context, d Descriptor, rows []domain.Row) (storage.UpsertResult, error) {
	if d.Load != nil {
		return d.Load(ctx, rows)
	}
	if p.rows == nil {
		return storage.UpsertResult{}, fmt.Errorf("entity %s: row store is not configured", d.Name)
	}
	return p.rows.Upsert(ctx, d.Table, rows)
}
