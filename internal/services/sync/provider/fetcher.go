// Package provider talks to the rate-limited football data provider and
// persists what it returns.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/platform/logging"
	"github.com/louisbranch/matchsync/internal/platform/timeouts"
	"github.com/louisbranch/matchsync/internal/services/sync/docstore"
	"github.com/louisbranch/matchsync/internal/services/sync/metrics"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultKeyHeader         = "x-rapidapi-key"
	defaultHostHeader        = "x-rapidapi-host"
	defaultRequestsPerMinute = 400
	maxBodyBytes             = 64 << 20
)

// Config controls provider access.
type Config struct {
	BaseURL    string
	KeyHeader  string
	APIKey     string
	HostHeader string
	Host       string
	// RequestsPerMinute paces calls to one every 60s/RequestsPerMinute.
	RequestsPerMinute int
	Timeout           time.Duration
	// RetryMax is the transport-level retry count. The job runner owns retry,
	// so this stays zero unless explicitly configured.
	RetryMax   int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Fetcher performs quota-gated, paced provider calls and persists payloads.
type Fetcher struct {
	cfg    Config
	http   *retryablehttp.Client
	pacer  *rate.Limiter
	quota  QuotaGate
	docs   *docstore.Store
	logger *zap.Logger
}

// New builds a fetcher. When quota is nil a process-local gate backed by the
// provider status endpoint is used.
func New(cfg Config, docs *docstore.Store, quota QuotaGate) (*Fetcher, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse provider base url: %w", err)
	}
	if docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = defaultKeyHeader
	}
	if cfg.HostHeader == "" {
		cfg.HostHeader = defaultHostHeader
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.ProviderRequest
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	logger := logging.OrNop(cfg.Logger).Named("provider")

	client := retryablehttp.NewClient()
	if cfg.HTTPClient != nil {
		// Copy so the timeout does not leak into the caller's client.
		hc := *cfg.HTTPClient
		client.HTTPClient = &hc
	}
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.RetryMax
	client.Logger = logging.NewLeveled(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	f := &Fetcher{
		cfg:    cfg,
		http:   client,
		pacer:  rate.NewLimiter(rate.Every(Interval(cfg.RequestsPerMinute)), 1),
		docs:   docs,
		logger: logger,
	}
	if quota == nil {
		quota = NewLocalQuota(f)
	}
	f.quota = quota
	return f, nil
}

// WithSharedQuota replaces the process-local gate with a ledger shared by
// every process using the same provider account.
func (f *Fetcher) WithSharedQuota(ledger storage.QuotaLedger, account string, now func() time.Time) *Fetcher {
	f.quota = NewSharedQuota(f, ledger, account, now)
	return f
}

// Interval is the minimum spacing between calls at rpm requests per minute.
func Interval(rpm int) time.Duration {
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	return time.Minute / time.Duration(rpm)
}

// CheckQuota returns the remaining provider requests.
func (f *Fetcher) CheckQuota(ctx context.Context) (int, error) {
	return f.quota.Remaining(ctx)
}

// Status queries the provider account usage. The status endpoint does not
// count against quota and is not paced.
func (f *Fetcher) Status(ctx context.Context) (Status, error) {
	env, _, err := f.get(ctx, "status", nil)
	if err != nil {
		return Status{}, err
	}
	if isEmptyJSON(env.Response) {
		return Status{}, apperrors.New(apperrors.CodeProviderError, "provider status response is empty")
	}
	var payload statusPayload
	if err := json.Unmarshal(env.Response, &payload); err != nil {
		return Status{}, apperrors.Wrap(apperrors.CodeProviderError, "decode provider status", err)
	}
	status := Status{
		LimitDay: payload.Requests.LimitDay,
		Current:  payload.Requests.Current,
		Plan:     payload.Subscription.Plan,
	}
	f.logger.Info("provider status",
		zap.String("plan", status.Plan),
		zap.String("subscription_end", payload.Subscription.End),
		zap.Int("current", status.Current),
		zap.Int("limit_day", status.LimitDay),
	)
	return status, nil
}

// Fetch performs one quota-gated, paced call of endpoint.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string, params url.Values) (Response, error) {
	remaining, err := f.quota.Remaining(ctx)
	if err != nil {
		return Response{}, err
	}
	if remaining <= 0 {
		metrics.ProviderRequests.WithLabelValues(endpoint, "quota_exceeded").Inc()
		return Response{}, apperrors.Newf(apperrors.CodeQuotaExceeded, "provider quota exhausted before %s", endpoint)
	}
	if err := f.pacer.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("wait for provider pacing: %w", err)
	}
	ok, err := f.quota.Reserve(ctx)
	if err != nil {
		return Response{}, err
	}
	if !ok {
		metrics.ProviderRequests.WithLabelValues(endpoint, "quota_exceeded").Inc()
		return Response{}, apperrors.Newf(apperrors.CodeQuotaExceeded, "provider quota exhausted before %s", endpoint)
	}

	env, body, err := f.get(ctx, endpoint, params)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(endpoint, "error").Inc()
		return Response{}, err
	}
	resp := Response{
		Endpoint: endpoint,
		Params:   params,
		Results:  env.Results,
		Paging:   env.Paging,
		Body:     body,
		Payload:  env.Response,
	}
	if env.Paging.Total > 1 {
		metrics.ProviderRequests.WithLabelValues(endpoint, "multi_page").Inc()
		f.logger.Warn("multi-page response rejected",
			zap.String("endpoint", endpoint),
			zap.String("params", params.Encode()),
			zap.Int("pages", env.Paging.Total),
		)
		return Response{}, apperrors.WithMetadata(
			apperrors.CodeMultiPageUnsupported,
			fmt.Sprintf("%s returned %d pages", endpoint, env.Paging.Total),
			map[string]string{"endpoint": endpoint, "params": params.Encode()},
		)
	}
	if resp.Empty() {
		metrics.ProviderRequests.WithLabelValues(endpoint, "empty").Inc()
	} else {
		metrics.ProviderRequests.WithLabelValues(endpoint, "ok").Inc()
	}
	return resp, nil
}

func (f *Fetcher) get(ctx context.Context, endpoint string, params url.Values) (envelope, []byte, error) {
	target := f.cfg.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return envelope{}, nil, fmt.Errorf("build provider request: %w", err)
	}
	if f.cfg.APIKey != "" {
		req.Header.Set(f.cfg.KeyHeader, f.cfg.APIKey)
	}
	if f.cfg.Host != "" {
		req.Header.Set(f.cfg.HostHeader, f.cfg.Host)
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return envelope{}, nil, ctxErr
		}
		return envelope{}, nil, apperrors.Wrap(apperrors.CodeProviderError, "call "+endpoint, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return envelope{}, nil, apperrors.Wrap(apperrors.CodeProviderError, "read "+endpoint+" body", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return envelope{}, nil, apperrors.WithMetadata(
			apperrors.CodeProviderError,
			fmt.Sprintf("%s returned status %d", endpoint, res.StatusCode),
			map[string]string{"endpoint": endpoint, "status": fmt.Sprint(res.StatusCode)},
		)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, nil, apperrors.Wrap(apperrors.CodeProviderError, "decode "+endpoint+" envelope", err)
	}
	if !isEmptyJSON(env.Errors) {
		return envelope{}, nil, apperrors.WithMetadata(
			apperrors.CodeProviderError,
			fmt.Sprintf("%s reported errors: %s", endpoint, strings.TrimSpace(string(env.Errors))),
			map[string]string{"endpoint": endpoint},
		)
	}
	return env, body, nil
}

// Persist writes the raw body of resp as {subdir}/{name}.json. Update mode
// keeps earlier captures by appending the capture timestamp.
func (f *Fetcher) Persist(ctx context.Context, resp Response, subdir, name string, update bool) (docstore.Document, error) {
	if update {
		return f.docs.PutUpdate(ctx, subdir, name, resp.Body)
	}
	return f.docs.Put(ctx, subdir, name, resp.Body)
}
