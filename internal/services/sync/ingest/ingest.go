// Package ingest parses and loads documents in fixed-size chunks on a
// bounded worker pool.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/louisbranch/matchsync/internal/platform/logging"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize  = 50
	DefaultMaxWorkers = 4
)

// ParseFunc turns one document into rows.
type ParseFunc[D any] func(ctx context.Context, doc D) ([]domain.Row, error)

// LoadFunc writes one chunk. Docs holds only the documents that parsed.
type LoadFunc[D any] func(ctx context.Context, chunk Chunk[D]) error

// Chunk is one unit of work handed to a LoadFunc.
type Chunk[D any] struct {
	Index int
	Docs  []D
	Rows  []domain.Row
}

// Options tunes Ingest.
type Options struct {
	ChunkSize  int
	MaxWorkers int
	Logger     *zap.Logger
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Report aggregates the outcome of every chunk.
type Report struct {
	Chunks       int
	Documents    int
	Parsed       int
	ParseFailed  int
	Rows         int
	LoadedChunks int
	FailedChunks int
	RowsLoaded   int
}

// Partition splits docs into consecutive chunks of size; the last may be short.
func Partition[D any](docs []D, size int) [][]D {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]D, 0, (len(docs)+size-1)/size)
	for start := 0; start < len(docs); start += size {
		end := min(start+size, len(docs))
		chunks = append(chunks, docs[start:end])
	}
	return chunks
}

// Ingest parses and loads docs chunk by chunk with at most MaxWorkers chunks
// in flight. Parse failures exclude the document; load failures are confined
// to their chunk. Only context cancellation is returned as an error.
func Ingest[D any](ctx context.Context, docs []D, parse ParseFunc[D], load LoadFunc[D], opts Options) (Report, error) {
	if parse == nil || load == nil {
		return Report{}, fmt.Errorf("parse and load functions are required")
	}
	opts = opts.normalized()
	chunks := Partition(docs, opts.ChunkSize)

	var (
		mu     sync.Mutex
		report = Report{Chunks: len(chunks), Documents: len(docs)}
	)

	g := new(errgroup.Group)
	g.SetLimit(opts.MaxWorkers)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := runChunk(ctx, i, chunk, parse, load, opts.Logger)
			mu.Lock()
			report.Parsed += r.Parsed
			report.ParseFailed += r.ParseFailed
			report.Rows += r.Rows
			report.LoadedChunks += r.LoadedChunks
			report.FailedChunks += r.FailedChunks
			report.RowsLoaded += r.RowsLoaded
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	opts.Logger.Info("ingest complete",
		zap.Int("chunks", report.Chunks),
		zap.Int("documents", report.Documents),
		zap.Int("parse_failed", report.ParseFailed),
		zap.Int("failed_chunks", report.FailedChunks),
		zap.Int("rows_loaded", report.RowsLoaded),
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func runChunk[D any](ctx context.Context, index int, docs []D, parse ParseFunc[D], load LoadFunc[D], logger *zap.Logger) Report {
	var r Report
	if ctx.Err() != nil {
		return r
	}
	chunk := Chunk[D]{Index: index, Docs: make([]D, 0, len(docs))}
	for _, doc := range docs {
		rows, err := parse(ctx, doc)
		if err != nil {
			r.ParseFailed++
			logger.Warn("parse failed; document excluded",
				zap.Int("chunk", index),
				zap.String("document", fmt.Sprint(doc)),
				zap.Error(err),
			)
			continue
		}
		r.Parsed++
		chunk.Docs = append(chunk.Docs, doc)
		chunk.Rows = append(chunk.Rows, rows...)
	}
	r.Rows = len(chunk.Rows)
	if len(chunk.Docs) == 0 {
		return r
	}
	if err := load(ctx, chunk); err != nil {
		r.FailedChunks++
		logger.Error("chunk load failed",
			zap.Int("chunk", index),
			zap.Int("documents", len(chunk.Docs)),
			zap.Int("rows", len(chunk.Rows)),
			zap.Error(err),
		)
		return r
	}
	r.LoadedChunks++
	r.RowsLoaded = len(chunk.Rows)
	return r
}
