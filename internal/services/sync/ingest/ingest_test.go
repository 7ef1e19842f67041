package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
)

func parseInt(_ context.Context, doc int) ([]domain.Row, error) {
	if doc%23 == 0 {
		return nil, errors.New("corrupt document")
	}
	return []domain.Row{{"id": doc}}, nil
}

type recordingLoader struct {
	mu     sync.Mutex
	chunks map[int][]int
	rows   []int
}

func (l *recordingLoader) load(_ context.Context, chunk Chunk[int]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chunks == nil {
		l.chunks = map[int][]int{}
	}
	l.chunks[chunk.Index] = chunk.Docs
	for _, row := range chunk.Rows {
		l.rows = append(l.rows, row["id"].(int))
	}
	return nil
}

func docs(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestPartition(t *testing.T) {
	chunks := Partition(docs(230), 50)
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	for i := 0; i < 4; i++ {
		if len(chunks[i]) != 50 {
			t.Fatalf("chunk %d size = %d, want 50", i, len(chunks[i]))
		}
	}
	if len(chunks[4]) != 30 {
		t.Fatalf("last chunk size = %d, want 30", len(chunks[4]))
	}
	if got := Partition([]int{}, 50); len(got) != 0 {
		t.Fatalf("empty partition = %v", got)
	}
}

func TestIngestChunksAndLoadsRegardlessOfWorkers(t *testing.T) {
	input := docs(230)
	failures := 0
	for _, d := range input {
		if d%23 == 0 {
			failures++
		}
	}

	for _, workers := range []int{1, 3, 8} {
		loader := &recordingLoader{}
		report, err := Ingest(context.Background(), input, parseInt, loader.load, Options{ChunkSize: 50, MaxWorkers: workers})
		if err != nil {
			t.Fatalf("workers=%d ingest: %v", workers, err)
		}
		if report.Chunks != 5 {
			t.Fatalf("workers=%d chunks = %d, want 5", workers, report.Chunks)
		}
		if report.ParseFailed != failures {
			t.Fatalf("workers=%d parse failures = %d, want %d", workers, report.ParseFailed, failures)
		}
		if want := 230 - failures; report.RowsLoaded != want || len(loader.rows) != want {
			t.Fatalf("workers=%d rows loaded = %d (%d seen), want %d", workers, report.RowsLoaded, len(loader.rows), want)
		}
	}
}

func TestIngestIsChunkOrderIndependent(t *testing.T) {
	input := docs(120)

	run := func(workers int, jitter bool) []int {
		loader := &recordingLoader{}
		load := func(ctx context.Context, chunk Chunk[int]) error {
			if jitter {
				time.Sleep(time.Duration((len(input)/10-chunk.Index)%4) * time.Millisecond)
			}
			return loader.load(ctx, chunk)
		}
		if _, err := Ingest(context.Background(), input, parseInt, load, Options{ChunkSize: 10, MaxWorkers: workers}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		sort.Ints(loader.rows)
		return loader.rows
	}

	sequential := run(1, false)
	concurrent := run(6, true)
	if len(sequential) != len(concurrent) {
		t.Fatalf("row counts differ: %d vs %d", len(sequential), len(concurrent))
	}
	for i := range sequential {
		if sequential[i] != concurrent[i] {
			t.Fatalf("row %d differs: %d vs %d", i, sequential[i], concurrent[i])
		}
	}
}

func TestIngestConfinesLoadFailureToChunk(t *testing.T) {
	loader := &recordingLoader{}
	load := func(ctx context.Context, chunk Chunk[int]) error {
		if chunk.Index == 2 {
			return errors.New("transaction rolled back")
		}
		return loader.load(ctx, chunk)
	}
	report, err := Ingest(context.Background(), docs(100), func(_ context.Context, d int) ([]domain.Row, error) {
		return []domain.Row{{"id": d}}, nil
	}, load, Options{ChunkSize: 20, MaxWorkers: 2})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.FailedChunks != 1 || report.LoadedChunks != 4 {
		t.Fatalf("report = %+v, want 1 failed and 4 loaded chunks", report)
	}
	if report.RowsLoaded != 80 {
		t.Fatalf("rows loaded = %d, want 80", report.RowsLoaded)
	}
	if _, ok := loader.chunks[2]; ok {
		t.Fatal("failed chunk should not be recorded")
	}
}

func TestIngestBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	load := func(ctx context.Context, chunk Chunk[int]) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}
	if _, err := Ingest(context.Background(), docs(64), parseInt, load, Options{ChunkSize: 4, MaxWorkers: 3}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("peak workers = %d, want <= 3", got)
	}
}

func TestIngestStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var loaded atomic.Int32
	load := func(ctx context.Context, chunk Chunk[int]) error {
		if loaded.Add(1) == 1 {
			cancel()
		}
		return nil
	}
	report, err := Ingest(ctx, docs(500), parseInt, load, Options{ChunkSize: 10, MaxWorkers: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report.LoadedChunks >= report.Chunks {
		t.Fatalf("report = %+v, want dispatch to stop early", report)
	}
}

func TestIngestSkipsLoadWhenEveryDocumentFails(t *testing.T) {
	called := false
	load := func(context.Context, Chunk[int]) error {
		called = true
		return nil
	}
	report, err := Ingest(context.Background(), []int{23, 46}, parseInt, load, Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if called {
		t.Fatal("load should not run for a chunk without parsed documents")
	}
	if report.ParseFailed != 2 {
		t.Fatalf("parse failed = %d, want 2", report.ParseFailed)
	}
}

func TestIngestRequiresFunctions(t *testing.T) {
	if _, err := Ingest[int](context.Background(), nil, nil, nil, Options{}); err == nil {
		t.Fatal("expected missing function error")
	}
}
