package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/clock/system"
	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/dedup"
	"github.com/xiaotian947859/javbus-site/internal/dispatcher"
	"github.com/xiaotian947859/javbus-site/internal/extract"
	collyfetcher "github.com/xiaotian947859/javbus-site/internal/fetcher/colly"
	"github.com/xiaotian947859/javbus-site/internal/lister"
	"github.com/xiaotian947859/javbus-site/internal/sink"
	"github.com/xiaotian947859/javbus-site/internal/storage/memory"
	"github.com/xiaotian947859/javbus-site/internal/transport"
	"github.com/xiaotian947859/javbus-site/internal/worker"
)

const catalogItem = `<div class="item"><a class="movie-box" href="/%[1]s">` +
	`<div class="photo-frame"><img src="/pics/%[1]s.jpg" title="t"></div>` +
	`<div class="photo-info"><span>Title %[1]s <br><date>%[1]s</date> / <date>2024-01-0%[2]d</date></span></div>` +
	`</a></div>`

func catalog(codes ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="waterfall">`)
	for i, code := range codes {
		fmt.Fprintf(&b, catalogItem, code, i+1)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func detail(magnets ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table id="magnet-table">`)
	for _, m := range magnets {
		fmt.Fprintf(&b, `<tr><td><a href="%[1]s">name</a></td><td><a href="%[1]s">1GB</a></td></tr>`, m)
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

type response struct {
	status int
	body   string
}

// fakeSite serves a mutable set of pages and counts hits per path.
type fakeSite struct {
	mu    sync.Mutex
	pages map[string]response
	hits  map[string]int
	srv   *httptest.Server
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	site := &fakeSite{pages: map[string]response{}, hits: map[string]int{}}
	site.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		resp, ok := site.pages[r.URL.Path]
		site.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	t.Cleanup(site.srv.Close)
	return site
}

func (s *fakeSite) set(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = response{status: status, body: body}
}

func (s *fakeSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *fakeSite) baseURL() string {
	return s.srv.URL + "/"
}

func newCoordinator(t *testing.T, site *fakeSite, store *memory.MovieStore, maxPages int) *Coordinator {
	t.Helper()
	logger := zap.NewNop()
	tr := transport.New(transport.Options{
		Fetcher: collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second}),
		Policy:  crawler.NewLinearRetryPolicy(2, 0),
		Logger:  logger,
	})
	lst, err := lister.New(tr, site.baseURL(), logger)
	require.NoError(t, err)
	ext, err := extract.New(extract.Options{
		Transport:  tr,
		Strategies: []crawler.Strategy{extract.TableStrategy{}},
		Logger:     logger,
	})
	require.NoError(t, err)
	w, err := worker.New(worker.Options{
		Extractor: ext,
		Sink:      sink.NewStoreSink(store, system.New()),
		Clock:     system.New(),
		RunID:     "test-run",
		Logger:    logger,
	})
	require.NoError(t, err)

	c, err := New(Options{
		Lister:     lst,
		Classifier: dedup.New(store, logger),
		Batcher:    dispatcher.New(w, 3, logger),
		BaseURL:    site.baseURL(),
		MaxPages:   maxPages,
		RunID:      "test-run",
		Logger:     logger,
	})
	require.NoError(t, err)
	return c
}

func storedCodes(t *testing.T, store *memory.MovieStore) []string {
	t.Helper()
	records, _, err := store.List(context.Background(), 0, 100)
	require.NoError(t, err)
	codes := make([]string, 0, len(records))
	for _, rec := range records {
		codes = append(codes, rec.Code)
	}
	return codes
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	site := newFakeSite(t)
	site.set("/", http.StatusOK, catalog("AAA-001", "BBB-002"))
	site.set("/page/2", http.StatusOK, catalog("CCC-003"))
	site.set("/AAA-001", http.StatusOK, detail("magnet:?xt=urn:btih:a1", "magnet:?xt=urn:btih:a2", "magnet:?xt=urn:btih:a1"))
	site.set("/BBB-002", http.StatusOK, detail("magnet:?xt=urn:btih:b1"))
	site.set("/CCC-003", http.StatusOK, detail("magnet:?xt=urn:btih:c1"))
	store := memory.NewMovieStore()

	first, err := newCoordinator(t, site, store, 0).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, first.EndOfList)
	assert.Equal(t, 2, first.Pages)
	assert.Equal(t, 3, first.Outcomes.Saved)
	assert.ElementsMatch(t, []string{"AAA-001", "BBB-002", "CCC-003"}, storedCodes(t, store))

	rec, err := store.Get(context.Background(), "AAA-001")
	require.NoError(t, err)
	assert.Equal(t, []string{"magnet:?xt=urn:btih:a1", "magnet:?xt=urn:btih:a2"}, rec.Magnets.Values())
	assert.Equal(t, "Title AAA-001", rec.Title)
	assert.Equal(t, site.srv.URL+"/AAA-001", rec.DetailURL)

	second, err := newCoordinator(t, site, store, 0).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, second.Skipped)
	assert.Zero(t, second.Queued)
	assert.Zero(t, second.Outcomes.Total())
	assert.Equal(t, 1, site.hitCount("/AAA-001"), "complete items are not fetched again")
	assert.Len(t, storedCodes(t, store), 3)
}

func TestRunRetryConvergence(t *testing.T) {
	t.Parallel()

	site := newFakeSite(t)
	site.set("/", http.StatusOK, catalog("AAA-001", "BBB-002", "CCC-003"))
	site.set("/page/2", http.StatusOK, catalog())
	site.set("/AAA-001", http.StatusOK, detail("magnet:?xt=urn:btih:a1"))
	site.set("/BBB-002", http.StatusServiceUnavailable, "busy")
	site.set("/CCC-003", http.StatusOK, detail())
	store := memory.NewMovieStore()

	first, err := newCoordinator(t, site, store, 0).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.Tally{Saved: 1, Unavailable: 1, NoMagnets: 1}, first.Outcomes)
	assert.Equal(t, []string{"AAA-001"}, storedCodes(t, store), "items without magnets are never written")
	assert.Equal(t, 2, site.hitCount("/BBB-002"), "detail fetch is retried within the attempt budget")

	site.set("/BBB-002", http.StatusOK, detail("magnet:?xt=urn:btih:b1"))
	site.set("/CCC-003", http.StatusOK, detail("magnet:?xt=urn:btih:c1"))

	second, err := newCoordinator(t, site, store, 0).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 2, second.Outcomes.Saved)
	assert.ElementsMatch(t, []string{"AAA-001", "BBB-002", "CCC-003"}, storedCodes(t, store))
}

func TestRunReplacesIncompleteRows(t *testing.T) {
	t.Parallel()

	site := newFakeSite(t)
	site.set("/", http.StatusOK, catalog("AAA-001"))
	site.set("/AAA-001", http.StatusOK, detail("magnet:?xt=urn:btih:new"))
	store := memory.NewMovieStore()
	store.SeedRaw(crawler.MovieRecord{Code: "AAA-001", Title: "stale title", DateText: "1999-01-01"}, "[]")

	summary, err := newCoordinator(t, site, store, 0).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Outcomes.Saved)

	rec, err := store.Get(context.Background(), "AAA-001")
	require.NoError(t, err)
	assert.Equal(t, "Title AAA-001", rec.Title)
	assert.Equal(t, "2024-01-01", rec.DateText)
	assert.Equal(t, []string{"magnet:?xt=urn:btih:new"}, rec.Magnets.Values())
}

func TestRunStopConditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		page2     *response
		wantErr   error
		wantFetch bool
		wantEnd   bool
	}{
		{name: "empty container ends catalog", page2: &response{http.StatusOK, catalog()}, wantEnd: true},
		{name: "not found ends catalog", page2: nil, wantEnd: true},
		{name: "server error stops run", page2: &response{http.StatusInternalServerError, "oops"}, wantFetch: true},
		{name: "missing container is malformed", page2: &response{http.StatusOK, "<html><body>maintenance</body></html>"}, wantErr: crawler.ErrMalformedPage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			site := newFakeSite(t)
			site.set("/", http.StatusOK, catalog("AAA-001"))
			site.set("/AAA-001", http.StatusOK, detail("magnet:?xt=urn:btih:a1"))
			if tc.page2 != nil {
				site.set("/page/2", tc.page2.status, tc.page2.body)
			}

			summary, err := newCoordinator(t, site, memory.NewMovieStore(), 0).Run(context.Background())
			assert.Equal(t, 1, summary.Pages)
			assert.Equal(t, tc.wantEnd, summary.EndOfList)
			switch {
			case tc.wantEnd:
				require.NoError(t, err)
			case tc.wantFetch:
				var fetchErr *crawler.FetchError
				require.ErrorAs(t, err, &fetchErr)
				assert.Equal(t, http.StatusInternalServerError, crawler.StatusCode(err))
				assert.False(t, errors.Is(err, crawler.ErrEndOfCatalog))
			default:
				require.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestRunHonorsMaxPages(t *testing.T) {
	t.Parallel()

	site := newFakeSite(t)
	site.set("/", http.StatusOK, catalog("AAA-001"))
	site.set("/page/2", http.StatusOK, catalog("BBB-002"))
	site.set("/AAA-001", http.StatusOK, detail("magnet:?xt=urn:btih:a1"))
	site.set("/BBB-002", http.StatusOK, detail("magnet:?xt=urn:btih:b1"))

	summary, err := newCoordinator(t, site, memory.NewMovieStore(), 1).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pages)
	assert.False(t, summary.EndOfList)
	assert.Zero(t, site.hitCount("/page/2"))
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	site := newFakeSite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newCoordinator(t, site, memory.NewMovieStore(), 0).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, site.hitCount("/"))
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}
