package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/matchsync/internal/platform/errors"
	"github.com/louisbranch/matchsync/internal/services/sync/docstore"
	"github.com/louisbranch/matchsync/internal/services/sync/storage/sqlstore"
)

type fakeProvider struct {
	mu       sync.Mutex
	limit    int
	current  int
	calls    map[string]int
	headers  http.Header
	respond  func(w http.ResponseWriter, r *http.Request)
	statusFn func(w http.ResponseWriter)
}

func newFakeProvider(t *testing.T, limit, current int) (*fakeProvider, *httptest.Server) {
	t.Helper()
	fp := &fakeProvider{limit: limit, current: current, calls: map[string]int{}}
	fp.respond = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"get":"fixtures","errors":[],"results":1,"paging":{"current":1,"total":1},"response":[{"fixture":{"id":%q}}]}`, r.URL.Query().Get("date"))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.calls[r.URL.Path]++
		fp.headers = r.Header.Clone()
		fp.mu.Unlock()
		if r.URL.Path == "/status" {
			if fp.statusFn != nil {
				fp.statusFn(w)
				return
			}
			fmt.Fprintf(w, `{"get":"status","errors":[],"results":1,"paging":{"current":1,"total":1},"response":{"account":{"firstname":"Ada"},"subscription":{"plan":"Pro","end":"2025-01-01"},"requests":{"current":%d,"limit_day":%d}}}`, fp.current, fp.limit)
			return
		}
		fp.respond(w, r)
	}))
	t.Cleanup(srv.Close)
	return fp, srv
}

func (fp *fakeProvider) count(path string) int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.calls[path]
}

func newTestFetcher(t *testing.T, srv *httptest.Server, docs *docstore.Store, quota QuotaGate) *Fetcher {
	t.Helper()
	f, err := New(Config{
		BaseURL:           srv.URL,
		APIKey:            "secret",
		Host:              "v3.football.api-sports.io",
		RequestsPerMinute: 60000,
		HTTPClient:        srv.Client(),
	}, docs, quota)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f
}

func dateRequest() Request {
	return Request{
		Entity:   "fixtures",
		Endpoint: "fixtures",
		Subdir:   "fixtures",
		Params:   func(key string) url.Values { return url.Values{"date": {key}} },
		Name:     func(key string) string { return "fixtures_" + key },
	}
}

func TestNewLeavesCallerHTTPClientUnchanged(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}
	f, err := New(Config{
		BaseURL:    "http://127.0.0.1",
		APIKey:     "secret",
		Timeout:    5 * time.Second,
		HTTPClient: shared,
	}, docstore.NewMemory(), nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if shared.Timeout != time.Minute {
		t.Fatalf("caller client timeout = %v, want %v", shared.Timeout, time.Minute)
	}
	if got := f.http.HTTPClient.Timeout; got != 5*time.Second {
		t.Fatalf("fetcher client timeout = %v, want 5s", got)
	}
}

func TestCheckQuotaReadsStatusOnce(t *testing.T) {
	fp, srv := newFakeProvider(t, 100, 40)
	f := newTestFetcher(t, srv, docstore.NewMemory(), nil)

	for i := 0; i < 3; i++ {
		remaining, err := f.CheckQuota(context.Background())
		if err != nil {
			t.Fatalf("check quota: %v", err)
		}
		if remaining != 60 {
			t.Fatalf("remaining = %d, want 60", remaining)
		}
	}
	if got := fp.count("/status"); got != 1 {
		t.Fatalf("status calls = %d, want 1", got)
	}
}

func TestFetchConsumesQuotaAndStopsWithoutCalling(t *testing.T) {
	fp, srv := newFakeProvider(t, 10, 8)
	f := newTestFetcher(t, srv, docstore.NewMemory(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(ctx, "fixtures", url.Values{"date": {"2024-05-01"}}); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	_, err := f.Fetch(ctx, "fixtures", url.Values{"date": {"2024-05-01"}})
	if !apperrors.Is(err, apperrors.CodeQuotaExceeded) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodeQuotaExceeded)
	}
	if got := fp.count("/fixtures"); got != 2 {
		t.Fatalf("fixture calls = %d, want 2", got)
	}
	if remaining, _ := f.CheckQuota(ctx); remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
}

func TestFetchSendsConfiguredHeaders(t *testing.T) {
	fp, srv := newFakeProvider(t, 10, 0)
	f := newTestFetcher(t, srv, docstore.NewMemory(), nil)
	if _, err := f.Fetch(context.Background(), "fixtures", nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if got := fp.headers.Get("x-rapidapi-key"); got != "secret" {
		t.Fatalf("key header = %q", got)
	}
	if got := fp.headers.Get("x-rapidapi-host"); got != "v3.football.api-sports.io" {
		t.Fatalf("host header = %q", got)
	}
}

func TestFetchClassifiesProviderFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		want apperrors.Code
	}{
		{"server error", `{}`, http.StatusInternalServerError, apperrors.CodeProviderError},
		{"malformed envelope", `not json`, http.StatusOK, apperrors.CodeProviderError},
		{"errors reported", `{"errors":{"token":"invalid key"},"results":0,"response":[]}`, http.StatusOK, apperrors.CodeProviderError},
		{"multi page", `{"errors":[],"results":20,"paging":{"current":1,"total":2},"response":[{}]}`, http.StatusOK, apperrors.CodeMultiPageUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp, srv := newFakeProvider(t, 10, 0)
			fp.respond = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			}
			f := newTestFetcher(t, srv, docstore.NewMemory(), nil)
			_, err := f.Fetch(context.Background(), "fixtures", nil)
			if !apperrors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %s", err, tt.want)
			}
			if got := fp.count("/fixtures"); got != 1 {
				t.Fatalf("calls = %d, want exactly one attempt", got)
			}
		})
	}
}

func TestFetchEmptyResponse(t *testing.T) {
	fp, srv := newFakeProvider(t, 10, 0)
	fp.respond = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[],"results":0,"paging":{"current":1,"total":1},"response":[]}`)
	}
	f := newTestFetcher(t, srv, docstore.NewMemory(), nil)
	resp, err := f.Fetch(context.Background(), "fixtures", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !resp.Empty() {
		t.Fatal("expected empty response")
	}
}

func TestStatusFailureIsProviderError(t *testing.T) {
	fp, srv := newFakeProvider(t, 10, 0)
	fp.statusFn = func(w http.ResponseWriter) {
		fmt.Fprint(w, `{"errors":{"requests":"You have reached the request limit for the day"},"results":0,"response":[]}`)
	}
	f := newTestFetcher(t, srv, docstore.NewMemory(), nil)
	_, err := f.CheckQuota(context.Background())
	if !apperrors.Is(err, apperrors.CodeProviderError) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodeProviderError)
	}
	if _, err := f.Fetch(context.Background(), "fixtures", nil); err == nil {
		t.Fatal("expected fetch to fail without quota information")
	}
	if got := fp.count("/fixtures"); got != 0 {
		t.Fatalf("fixture calls = %d, want 0", got)
	}
}

func TestFetchEachRejectsMultiPageWithoutPersisting(t *testing.T) {
	fp, srv := newFakeProvider(t, 10, 0)
	fp.respond = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("date") == "2024-05-02" {
			fmt.Fprint(w, `{"errors":[],"results":40,"paging":{"current":1,"total":2},"response":[{"fixture":{"id":1}}]}`)
			return
		}
		fmt.Fprint(w, `{"errors":[],"results":1,"paging":{"current":1,"total":1},"response":[{"fixture":{"id":2}}]}`)
	}
	docs := docstore.NewMemory()
	f := newTestFetcher(t, srv, docs, nil)

	summary, err := f.FetchEach(context.Background(), dateRequest(), []string{"2024-05-01", "2024-05-02", "2024-05-03"})
	if err != nil {
		t.Fatalf("fetch each: %v", err)
	}
	if summary.Persisted != 2 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v, want 2 persisted and 1 skipped", summary)
	}
	listed, err := docs.List(context.Background(), "fixtures")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, doc := range listed {
		if doc.Name == "fixtures_2024-05-02" {
			t.Fatal("multi-page document must never be written")
		}
	}
	if len(listed) != 2 {
		t.Fatalf("documents = %v, want 2", listed)
	}
}

func TestFetchEachSkipsEmptyAndFailedKeys(t *testing.T) {
	fp, srv := newFakeProvider(t, 10, 0)
	fp.respond = func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("date") {
		case "empty":
			fmt.Fprint(w, `{"errors":[],"results":0,"paging":{"current":1,"total":1},"response":[]}`)
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, `{"errors":[],"results":1,"paging":{"current":1,"total":1},"response":[{}]}`)
		}
	}
	f := newTestFetcher(t, srv, docstore.NewMemory(), nil)
	summary, err := f.FetchEach(context.Background(), dateRequest(), []string{"empty", "broken", "ok"})
	if err != nil {
		t.Fatalf("fetch each: %v", err)
	}
	if summary.Empty != 1 || summary.Skipped != 1 || summary.Persisted != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestFetchEachAbortsOnQuotaExhaustion(t *testing.T) {
	fp, srv := newFakeProvider(t, 5, 3)
	docs := docstore.NewMemory()
	f := newTestFetcher(t, srv, docs, nil)

	summary, err := f.FetchEach(context.Background(), dateRequest(), []string{"a", "b", "c", "d"})
	if !apperrors.Is(err, apperrors.CodeQuotaExceeded) {
		t.Fatalf("err = %v, want %s", err, apperrors.CodeQuotaExceeded)
	}
	if summary.Persisted != 2 {
		t.Fatalf("persisted = %d, want 2", summary.Persisted)
	}
	if got := fp.count("/fixtures"); got != 2 {
		t.Fatalf("fixture calls = %d, want 2", got)
	}
}

func TestFetchEachPacesCalls(t *testing.T) {
	_, srv := newFakeProvider(t, 100, 0)
	f, err := New(Config{
		BaseURL:           srv.URL,
		RequestsPerMinute: 600,
		HTTPClient:        srv.Client(),
	}, docstore.NewMemory(), nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	interval := Interval(600)
	if interval != 100*time.Millisecond {
		t.Fatalf("interval = %v, want 100ms", interval)
	}

	keys := []string{"1", "2", "3", "4"}
	start := time.Now()
	if _, err := f.FetchEach(context.Background(), dateRequest(), keys); err != nil {
		t.Fatalf("fetch each: %v", err)
	}
	elapsed := time.Since(start)
	if minimum := time.Duration(len(keys)-1) * interval; elapsed < minimum {
		t.Fatalf("elapsed = %v, want at least %v", elapsed, minimum)
	}
}

func TestPersistUpdateKeepsEarlierCaptures(t *testing.T) {
	_, srv := newFakeProvider(t, 10, 0)
	tick := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	docs := docstore.NewMemory().WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	f := newTestFetcher(t, srv, docs, nil)
	req := dateRequest()
	req.Update = true

	for i := 0; i < 2; i++ {
		if _, err := f.FetchEach(context.Background(), req, []string{"2024-05-01"}); err != nil {
			t.Fatalf("fetch each %d: %v", i, err)
		}
	}
	listed, err := docs.List(context.Background(), "fixtures")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("documents = %v, want two captures", listed)
	}
}

func TestSharedQuotaCoordinatesFetchers(t *testing.T) {
	fp, srv := newFakeProvider(t, 5, 0)
	store, err := sqlstore.Open(context.Background(), sqlstore.Config{DSN: filepath.Join(t.TempDir(), "sync.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	docs := docstore.NewMemory()
	var fetchers []*Fetcher
	for i := 0; i < 2; i++ {
		f := newTestFetcher(t, srv, docs, nil).WithSharedQuota(store, "api-football", nil)
		fetchers = append(fetchers, f)
	}

	var wg sync.WaitGroup
	for _, f := range fetchers {
		wg.Add(1)
		go func(f *Fetcher) {
			defer wg.Done()
			_, _ = f.FetchEach(context.Background(), dateRequest(), []string{"a", "b", "c", "d"})
		}(f)
	}
	wg.Wait()

	if got := fp.count("/fixtures"); got != 5 {
		t.Fatalf("fixture calls = %d, want the shared limit of 5", got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}, docstore.NewMemory(), nil); err == nil {
		t.Fatal("expected base url error")
	}
	if _, err := New(Config{BaseURL: "http://example.test"}, nil, nil); err == nil {
		t.Fatal("expected document store error")
	}
}
