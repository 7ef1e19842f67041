// Package docstore persists raw provider payloads and their staged rows on a
// billy filesystem.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
)

const (
	documentExt = ".json"
	stagedExt   = ".rows.json"

	// ProcessedDir holds documents whose rows were loaded.
	ProcessedDir = "processed"
	// StagedDir holds rows parsed by the process stage awaiting load.
	StagedDir = "staged"

	// CaptureLayout is appended to update-mode document names.
	CaptureLayout = "20060102T150405.000Z"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.\-]+`)

// Document identifies one persisted payload.
type Document struct {
	Subdir string
	Name   string
}

// Path returns the document path relative to the store root.
func (d Document) Path() string {
	return filepath.Join(d.Subdir, d.Name+documentExt)
}

func (d Document) processedPath() string {
	return filepath.Join(d.Subdir, ProcessedDir, d.Name+documentExt)
}

func (d Document) stagedPath() string {
	return filepath.Join(d.Subdir, StagedDir, d.Name+stagedExt)
}

// Store reads and writes documents under one root.
type Store struct {
	fs  billy.Filesystem
	now func() time.Time
}

// New wraps an existing billy filesystem.
func New(fs billy.Filesystem) *Store {
	return &Store{fs: fs, now: time.Now}
}

// NewOS opens a store rooted at dir on the local disk.
func NewOS(dir string) *Store {
	return New(osfs.New(dir))
}

// NewMemory returns an in-memory store.
func NewMemory() *Store {
	return New(memfs.New())
}

// WithClock returns a copy of the store using now for capture timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{fs: s.fs, now: now}
}

// SanitizeName maps a provider key to a safe file name.
func SanitizeName(name string) string {
	return strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
}

// Put writes body as {subdir}/{name}.json, replacing any existing document
// and the rows staged from it.
func (s *Store) Put(ctx context.Context, subdir, name string, body []byte) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	name = SanitizeName(name)
	if strings.TrimSpace(subdir) == "" || name == "" {
		return Document{}, fmt.Errorf("subdir and name are required")
	}
	doc := Document{Subdir: subdir, Name: name}
	if err := s.fs.MkdirAll(subdir, 0o755); err != nil {
		return Document{}, fmt.Errorf("create document dir %s: %w", subdir, err)
	}
	if err := s.dropStaged(doc); err != nil {
		return Document{}, err
	}
	if err := util.WriteFile(s.fs, doc.Path(), body, 0o644); err != nil {
		return Document{}, fmt.Errorf("write document %s: %w", doc.Path(), err)
	}
	return doc, nil
}

// PutUpdate writes body under a capture-timestamped name so earlier captures
// of the same key are kept.
func (s *Store) PutUpdate(ctx context.Context, subdir, name string, body []byte) (Document, error) {
	return s.Put(ctx, subdir, name+"_"+s.now().UTC().Format(CaptureLayout), body)
}

// List returns the unprocessed documents of subdir sorted by name.
func (s *Store) List(ctx context.Context, subdir string) ([]Document, error) {
	return s.list(ctx, subdir, filepath.Join(subdir))
}

// ListProcessed returns the archived documents of subdir sorted by name.
func (s *Store) ListProcessed(ctx context.Context, subdir string) ([]Document, error) {
	return s.list(ctx, subdir, filepath.Join(subdir, ProcessedDir))
}

func (s *Store) list(ctx context.Context, subdir, dir string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list documents %s: %w", dir, err)
	}
	docs := make([]Document, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, documentExt) || strings.HasSuffix(name, stagedExt) {
			continue
		}
		docs = append(docs, Document{Subdir: subdir, Name: strings.TrimSuffix(name, documentExt)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Read returns the raw payload of an unprocessed document.
func (s *Store) Read(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := util.ReadFile(s.fs, doc.Path())
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", doc.Path(), err)
	}
	return body, nil
}

// ReadProcessed returns the raw payload of an archived document.
func (s *Store) ReadProcessed(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := util.ReadFile(s.fs, doc.processedPath())
	if err != nil {
		return nil, fmt.Errorf("read processed document %s: %w", doc.processedPath(), err)
	}
	return body, nil
}

// Archive moves doc into {subdir}/processed/ and drops its staged rows.
func (s *Store) Archive(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Join(doc.Subdir, ProcessedDir), 0o755); err != nil {
		return fmt.Errorf("create processed dir: %w", err)
	}
	target := doc.processedPath()
	if _, err := s.fs.Stat(target); err == nil {
		if err := s.fs.Remove(target); err != nil {
			return fmt.Errorf("replace processed document %s: %w", target, err)
		}
	}
	if err := s.fs.Rename(doc.Path(), target); err != nil {
		return fmt.Errorf("archive document %s: %w", doc.Path(), err)
	}
	return s.dropStaged(doc)
}

// DropStaged removes the staged rows of doc, if any.
func (s *Store) DropStaged(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.dropStaged(doc)
}

func (s *Store) dropStaged(doc Document) error {
	if err := s.fs.Remove(doc.stagedPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("drop staged rows %s: %w", doc.stagedPath(), err)
	}
	return nil
}

// PutStaged records the parsed and transformed rows of doc for a later load.
func (s *Store) PutStaged(ctx context.Context, doc Document, rows []domain.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rows == nil {
		rows = []domain.Row{}
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode staged rows %s: %w", doc.Name, err)
	}
	if err := s.fs.MkdirAll(filepath.Join(doc.Subdir, StagedDir), 0o755); err != nil {
		return fmt.Errorf("create staged dir: %w", err)
	}
	if err := util.WriteFile(s.fs, doc.stagedPath(), body, 0o644); err != nil {
		return fmt.Errorf("write staged rows %s: %w", doc.stagedPath(), err)
	}
	return nil
}

// HasStaged reports whether rows were staged for doc.
func (s *Store) HasStaged(ctx context.Context, doc Document) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := s.fs.Stat(doc.stagedPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat staged rows %s: %w", doc.stagedPath(), err)
	}
	return true, nil
}

// ReadStaged returns the staged rows of doc. ok is false when nothing was
// staged for it.
func (s *Store) ReadStaged(ctx context.Context, doc Document) (rows []domain.Row, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	body, err := util.ReadFile(s.fs, doc.stagedPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read staged rows %s: %w", doc.stagedPath(), err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, false, fmt.Errorf("decode staged rows %s: %w", doc.stagedPath(), err)
	}
	for _, row := range rows {
		for k, v := range row {
			row[k] = fromJSONNumber(v)
		}
	}
	return rows, true, nil
}

func fromJSONNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
