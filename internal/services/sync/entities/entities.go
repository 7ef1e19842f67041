// Package entities defines the mirrored api-football entities: their tables,
// key windows, and payload mappings.
package entities

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/pipeline"
	"github.com/louisbranch/matchsync/internal/services/sync/provider"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
)

const (
	Leagues           = "leagues"
	Teams             = "teams"
	Fixtures          = "fixtures"
	FixtureStatistics = "fixture_statistics"
	FixtureEvents     = "fixture_events"
)

// Names lists the entities in the order they run. Later entities read the
// tables of earlier ones to build their windows.
func Names() []string {
	return []string{Leagues, Teams, Fixtures, FixtureStatistics, FixtureEvents}
}

// Fetcher pulls keyed provider documents.
type Fetcher interface {
	FetchEach(ctx context.Context, req provider.Request, keys []string) (provider.Summary, error)
}

// Store is the row store the catalog writes to and computes windows from.
type Store interface {
	storage.RowStore
	storage.WindowQuerier
}

// Deps are the collaborators every descriptor closes over.
type Deps struct {
	Fetcher Fetcher
	Store   Store
	// Now anchors date windows; defaults to time.Now.
	Now func() time.Time
}

func (d Deps) today() time.Time {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	t := now().UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Catalog builds every descriptor in run order.
func Catalog(deps Deps) ([]pipeline.Descriptor, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	catalog := []pipeline.Descriptor{
		leagues(deps),
		teams(deps),
		fixtures(deps),
		fixtureStatistics(deps),
		fixtureEvents(deps),
	}
	for _, d := range catalog {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// Select returns the named descriptors in catalog order. An empty selection
// returns the whole catalog.
func Select(catalog []pipeline.Descriptor, names []string) ([]pipeline.Descriptor, error) {
	if len(names) == 0 {
		return catalog, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		wanted[name] = true
	}
	selected := make([]pipeline.Descriptor, 0, len(wanted))
	for _, d := range catalog {
		if wanted[d.Name] {
			selected = append(selected, d)
			delete(wanted, d.Name)
		}
	}
	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for name := range wanted {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown entities: %s", strings.Join(unknown, ", "))
	}
	return selected, nil
}

// Override tunes one descriptor from the entities file.
type Override struct {
	ChunkSize  *int  `yaml:"chunk_size"`
	MaxWorkers *int  `yaml:"max_workers"`
	Concurrent *bool `yaml:"concurrent"`
	Disabled   bool  `yaml:"disabled"`
}

// ApplyOverrides returns catalog with overrides applied and disabled entities
// removed. Overrides for unknown entities are rejected.
func ApplyOverrides(catalog []pipeline.Descriptor, overrides map[string]Override) ([]pipeline.Descriptor, error) {
	known := make(map[string]bool, len(catalog))
	for _, d := range catalog {
		known[d.Name] = true
	}
	for name := range overrides {
		if !known[name] {
			return nil, fmt.Errorf("override for unknown entity %q", name)
		}
	}

	out := make([]pipeline.Descriptor, 0, len(catalog))
	for _, d := range catalog {
		o, ok := overrides[d.Name]
		if !ok {
			out = append(out, d)
			continue
		}
		if o.Disabled {
			continue
		}
		if o.ChunkSize != nil {
			d.ChunkSize = *o.ChunkSize
		}
		if o.MaxWorkers != nil {
			d.MaxWorkers = *o.MaxWorkers
		}
		if o.Concurrent != nil {
			d.Concurrent = *o.Concurrent
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// keyedFetch pulls one document per window key from endpoint, passing the key
// as the param query parameter.
func keyedFetch(deps Deps, entity, endpoint, param string) pipeline.FetchFunc {
	return func(ctx context.Context, window domain.Window) (provider.Summary, error) {
		req := provider.Request{
			Entity:   entity,
			Endpoint: endpoint,
			Subdir:   entity,
			Update:   window.Update,
			Params: func(key string) url.Values {
				if param == "" {
					return nil
				}
				return url.Values{param: []string{key}}
			},
			Name: func(key string) string {
				return entity + "_" + key
			},
		}
		return deps.Fetcher.FetchEach(ctx, req, window.Keys)
	}
}
