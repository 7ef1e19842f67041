package provider

import (
	"context"
	"net/url"

	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/services/sync/docstore"
	"github.com/louisbranch/matchsync/internal/services/sync/metrics"
	"go.uber.org/zap"
)

// Request describes a keyed batch of calls against one endpoint.
type Request struct {
	Entity   string
	Endpoint string
	Subdir   string
	// Params builds the query for one key.
	Params func(key string) url.Values
	// Name builds the document name for one key.
	Name func(key string) string
	// Update appends a capture timestamp to every document name.
	Update bool
}

// Summary counts what FetchEach did.
type Summary struct {
	Requested int
	Persisted int
	Empty     int
	Skipped   int
	Documents []docstore.Document
}

// FetchEach fetches and persists one document per key. Provider errors and
// multi-page replies skip the key; quota exhaustion stops the loop.
func (f *Fetcher) FetchEach(ctx context.Context, req Request, keys []string) (Summary, error) {
	var summary Summary
	logger := f.logger.With(zap.String("entity", req.Entity), zap.String("endpoint", req.Endpoint))

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		var params url.Values
		if req.Params != nil {
			params = req.Params(key)
		}
		summary.Requested++

		resp, err := f.Fetch(ctx, req.Endpoint, params)
		if err != nil {
			switch apperrors.CodeOf(err) {
			case apperrors.CodeQuotaExceeded:
				logger.Warn("quota exhausted; stopping fetch", zap.String("key", key), zap.Int("persisted", summary.Persisted))
				return summary, err
			case apperrors.CodeProviderError, apperrors.CodeMultiPageUnsupported:
				summary.Skipped++
				logger.Warn("skipping key", zap.String("key", key), zap.Error(err))
				continue
			default:
				return summary, err
			}
		}
		if resp.Empty() {
			summary.Empty++
			logger.Debug("empty response", zap.String("key", key))
			continue
		}

		name := key
		if req.Name != nil {
			name = req.Name(key)
		}
		doc, err := f.Persist(ctx, resp, req.Subdir, name, req.Update)
		if err != nil {
			return summary, err
		}
		summary.Persisted++
		summary.Documents = append(summary.Documents, doc)
		metrics.Documents.WithLabelValues(req.Entity, "persisted").Inc()
	}
	logger.Info("fetch complete",
		zap.Int("requested", summary.Requested),
		zap.Int("persisted", summary.Persisted),
		zap.Int("empty", summary.Empty),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}
