package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/extsearch"
	"github.com/JakeFAU/culture-catalog/internal/index"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
	"github.com/JakeFAU/culture-catalog/internal/sites"
	"github.com/JakeFAU/culture-catalog/internal/storage/memory"
)

var epoch = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type bookSite struct{}

func (bookSite) Name() string { return "books" }
func (bookSite) IDType() catalog.IDType { return catalog.IDTypeOpenLibrary }
func (bookSite) Patterns() []*regexp.Regexp {
	return []*regexp.Regexp{regexp.MustCompile(`^https://books\.test/works/(\w+)$`)}
}
func (bookSite) IDToURL(id string) string { return "https://books.test/works/" + id }
func (bookSite) FetchURL(id string) string { return "https://books.test/api/" + id }
func (bookSite) Parse(string, catalog.Page) (catalog.Draft, error) {
	return catalog.Draft{}, errors.New("not used")
}

type fakeIndex struct {
	mu   sync.Mutex
	last index.Query
	err  error
}

func (f *fakeIndex) Search(_ context.Context, q index.Query) (index.Results, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = q
	if f.err != nil {
		return index.Results{}, f.err
	}
	return index.Results{Total: 1, Page: q.Page, PageSize: q.PageSize, Hits: []index.Document{{UUID: "a", Title: "Dune"}}}, nil
}

type fakeIngester struct {
	outcome resolver.Outcome
	err     error
	panics  bool
}

func (f *fakeIngester) Save(context.Context, string) (resolver.Outcome, error) {
	if f.panics {
		panic("boom")
	}
	return f.outcome, f.err
}

type fakeExternal struct{}

func (fakeExternal) Search(_ context.Context, q extsearch.Query) (extsearch.Response, error) {
	q, err := extsearch.Normalize(q)
	if err != nil {
		return extsearch.Response{}, err
	}
	return extsearch.Response{Query: q, Results: []sites.SearchResult{{Site: "books", SiteID: "OL7W", Title: q.Text}}}, nil
}

type fixture struct {
	store    *memory.CatalogStore
	ledger   *memory.JobStore
	index    *fakeIndex
	ingester *fakeIngester
	ready    error
	server   *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := memory.NewCatalogStore(fixedClock{now: epoch})
	store.Load(
		[]catalog.Item{
			{UUID: "a", Category: catalog.CategoryBook, Metadata: catalog.Metadata{Title: "Dune"}, State: catalog.StateActive},
			{UUID: "b", Category: catalog.CategoryBook, Metadata: catalog.Metadata{Title: "Dune"}, State: catalog.StateMerged, MergedTo: "a"},
			{UUID: "c", Category: catalog.CategoryBook, Metadata: catalog.Metadata{Title: "Emma"}, State: catalog.StateDeleted},
		},
		[]catalog.ExternalResource{
			{Site: "books", SiteID: "OL1W", URL: "https://books.test/works/OL1W", ItemUUID: "a"},
			{Site: "books", SiteID: "OL2W", URL: "https://books.test/works/OL2W", ItemUUID: "b"},
			{Site: "books", SiteID: "OL3W", URL: "https://books.test/works/OL3W"},
		},
	)
	reg := sites.NewRegistry().MustRegister(bookSite{})
	f := &fixture{
		store:    store,
		ledger:   memory.NewJobStore(),
		index:    &fakeIndex{},
		ingester: &fakeIngester{},
	}
	f.server = NewServer(Deps{
		Store:    store,
		Sites:    reg,
		Ingester: f.ingester,
		Index:    f.index,
		External: fakeExternal{},
		Ledger:   f.ledger,
		Ready:    func(context.Context) error { return f.ready },
	}, opts, zap.NewNop())
	return f
}

func (f *fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_GetItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/v1/items/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[itemResponse](t, rec)
	require.Equal(t, "Dune", got.Item.Metadata.Title)
	require.Len(t, got.Resources, 1)

	rec = f.do(http.MethodGet, "/v1/items/b", nil)
	require.Equal(t, http.StatusPermanentRedirect, rec.Code)
	require.Equal(t, "/v1/items/a", rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/v1/items/c", nil)
	require.Equal(t, http.StatusGone, rec.Code)

	rec = f.do(http.MethodGet, "/v1/items/zzz", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Resolve(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/v1/resolve?url=https://books.test/works/OL1W", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[resolveResponse](t, rec)
	require.True(t, got.Known)
	require.Equal(t, "a", got.Item.UUID)

	// A resource still owned by a merged item answers with the winner.
	rec = f.do(http.MethodGet, "/v1/resolve?url=https://books.test/works/OL2W", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/v1/items/a", decode[resolveResponse](t, rec).ItemPath)

	for _, id := range []string{"OL3W", "OL9W"} {
		rec = f.do(http.MethodGet, "/v1/resolve?url=https://books.test/works/"+id, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, id)
		got = decode[resolveResponse](t, rec)
		require.False(t, got.Known)
		require.Equal(t, id, got.SiteID)
	}

	rec = f.do(http.MethodGet, "/v1/resolve?url=https://elsewhere.test/x", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodGet, "/v1/resolve", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Search(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{SearchPageSize: 5})

	rec := f.do(http.MethodGet, "/v1/search?q=dune+category:book+year:1965&page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, decode[index.Results](t, rec).Total)
	require.Equal(t, catalog.CategoryBook, f.index.last.Category)
	require.Equal(t, 1965, f.index.last.YearFrom)
	require.Equal(t, 2, f.index.last.Page)
	require.Equal(t, 5, f.index.last.PageSize)

	rec = f.do(http.MethodGet, "/v1/search?q=year:soon", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/v1/search?q=dune&page=x", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.index.err = fmt.Errorf("search: %w", catalog.ErrIndexUnavailable)
	rec = f.do(http.MethodGet, "/v1/search?q=dune", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ExternalSearch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/v1/extsearch?q=dune&category=book", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[extsearch.Response](t, rec)
	require.Len(t, got.Results, 1)
	require.Equal(t, catalog.CategoryBook, got.Query.Category)

	rec = f.do(http.MethodGet, "/v1/extsearch?q=dune&page=11", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodGet, "/v1/extsearch?q=dune&category=vinyl", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Ingest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.ingester.outcome = resolver.Outcome{Kind: resolver.Created, Item: catalog.Item{UUID: "new"}}

	rec := f.do(http.MethodPost, "/v1/ingest", []byte(`{"url":"https://books.test/works/OL5W"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/v1/items/new", rec.Header().Get("Location"))

	f.ingester.outcome.Kind = resolver.Updated
	rec = f.do(http.MethodPost, "/v1/ingest", []byte(`{"url":"https://books.test/works/OL5W"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/v1/ingest", []byte(`{invalid`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/ingest", []byte(`{"url":" "}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_IngestErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported", fmt.Errorf("resolve: %w", catalog.ErrUnsupportedSite), http.StatusUnprocessableEntity},
		{"parse", catalog.NewParseError("books", "u", "no title"), http.StatusUnprocessableEntity},
		{"collision", &catalog.CollisionError{Site: "books"}, http.StatusConflict},
		{"fetch", &catalog.FetchError{URL: "u", Status: 404, Kind: catalog.FetchPermanent}, http.StatusBadGateway},
		{"breaker", fmt.Errorf("books: %w", catalog.ErrSiteUnavailable), http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Options{})
			f.ingester.err = tc.err
			rec := f.do(http.MethodPost, "/v1/ingest", []byte(`{"url":"https://books.test/works/OL5W"}`))
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_Reviews(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		return tx.AddReview(ctx, catalog.ReviewEntry{ItemUUID: "a", Candidates: []string{"b"}})
	}))

	type reviewsBody struct {
		Reviews []catalog.ReviewEntry `json:"reviews"`
	}
	rec := f.do(http.MethodGet, "/v1/reviews", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[reviewsBody](t, rec).Reviews, 1)

	require.NoError(t, f.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		return tx.ResolveReview(ctx, "a")
	}))
	rec = f.do(http.MethodGet, "/v1/reviews", nil)
	require.Empty(t, decode[reviewsBody](t, rec).Reviews)
	rec = f.do(http.MethodGet, "/v1/reviews?all=true", nil)
	require.Len(t, decode[reviewsBody](t, rec).Reviews, 1)
}

func TestServer_Jobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.ledger.StartRun(ctx, catalog.JobRun{ID: "r1", Job: "purge", Status: catalog.JobStatusRunning, StartedAt: epoch}))
	require.NoError(t, f.ledger.RecordAction(ctx, "r1", catalog.Action{Kind: "purge_item", ItemUUID: "c"}))
	require.NoError(t, f.ledger.StartRun(ctx, catalog.JobRun{ID: "r2", Job: "integrity", Status: catalog.JobStatusRunning, StartedAt: epoch.Add(time.Minute)}))

	type runsBody struct {
		Runs []catalog.JobRun `json:"runs"`
	}
	rec := f.do(http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[runsBody](t, rec).Runs, 2)

	rec = f.do(http.MethodGet, "/v1/jobs?job=purge&limit=10", nil)
	runs := decode[runsBody](t, rec).Runs
	require.Len(t, runs, 1)
	require.Equal(t, "r1", runs[0].ID)

	rec = f.do(http.MethodGet, "/v1/jobs/r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	type runBody struct {
		Run catalog.JobRun `json:"run"`
	}
	require.Len(t, decode[runBody](t, rec).Run.Actions, 1)

	rec = f.do(http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodGet, "/v1/jobs?job=crawl", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/v1/jobs?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", nil).Code)

	f.ready = errors.New("store unreachable")
	rec := f.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unreachable")

	f.do(http.MethodGet, "/v1/items/a", nil)
	rec = f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/items/a", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/items/a?api_key=secret", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/items/a", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", nil).Code, "health checks stay open")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.ingester.panics = true

	rec := f.do(http.MethodPost, "/v1/ingest", []byte(`{"url":"https://books.test/works/OL5W"}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
