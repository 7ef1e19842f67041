// Package pipeline runs one entity through fetch, parse, transform, load, and
// archive.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/provider"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
)

// WindowFunc computes the provider keys an entity run targets. It must not
// write to the store.
type WindowFunc func(ctx context.Context) (domain.Window, error)

// FetchFunc pulls and persists the documents for a window.
type FetchFunc func(ctx context.Context, window domain.Window) (provider.Summary, error)

// ParseFunc maps one raw document to rows.
type ParseFunc func(ctx context.Context, body []byte) ([]domain.Row, error)

// LoadFunc writes one batch of rows. Descriptors without one upsert into
// their table.
type LoadFunc func(ctx context.Context, rows []domain.Row) (storage.UpsertResult, error)

// Descriptor is the static definition of one mirrored entity.
type Descriptor struct {
	Name   string
	Table  domain.Table
	Subdir string

	Window     WindowFunc
	Fetch      FetchFunc
	Parse      ParseFunc
	Transforms []domain.Transform
	Load       LoadFunc

	// Concurrent routes parse and load through the chunked ingestor.
	Concurrent bool
	ChunkSize  int
	MaxWorkers int
}

// Validate checks the descriptor once at startup.
func (d Descriptor) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.WithMetadata(apperrors.CodeInvalidDescriptor, fmt.Sprintf(format, args...), map[string]string{"entity": d.Name})
	}
	if strings.TrimSpace(d.Name) == "" {
		return invalid("descriptor name is required")
	}
	if strings.TrimSpace(d.Subdir) == "" {
		return invalid("entity %s: subdir is required", d.Name)
	}
	if strings.ContainsAny(d.Subdir, `/\`) || d.Subdir == "." || d.Subdir == ".." {
		return invalid("entity %s: subdir %q must be a single path element", d.Name, d.Subdir)
	}
	if err := d.Table.Validate(); err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeInvalidDescriptor, "entity "+d.Name+": invalid table", map[string]string{"entity": d.Name}, err)
	}
	if d.Window == nil {
		return invalid("entity %s: window function is required", d.Name)
	}
	if d.Fetch == nil {
		return invalid("entity %s: fetch function is required", d.Name)
	}
	if d.Parse == nil {
		return invalid("entity %s: parse function is required", d.Name)
	}
	for i, transform := range d.Transforms {
		if transform == nil {
			return invalid("entity %s: transform %d is nil", d.Name, i)
		}
	}
	if d.ChunkSize < 0 {
		return invalid("entity %s: chunk size must not be negative", d.Name)
	}
	if d.MaxWorkers < 0 {
		return invalid("entity %s: max workers must not be negative", d.Name)
	}
	return nil
}
