package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/clock/system"
	"github.com/xiaotian947859/javbus-site/internal/config"
	memorypublisher "github.com/xiaotian947859/javbus-site/internal/publisher/memory"
	"github.com/xiaotian947859/javbus-site/internal/sink"
	"github.com/xiaotian947859/javbus-site/internal/storage/memory"
	"github.com/xiaotian947859/javbus-site/internal/storage/sqlite"
)

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.BaseURL = baseURL
	cfg.Crawler.PageDelay = 0
	cfg.Crawler.ItemDelayMin = 0
	cfg.Crawler.ItemDelayMax = 0
	cfg.HTTP.MaxAttempts = 1
	cfg.HTTP.RetryDelay = 0
	cfg.Store.Driver = "memory"
	cfg.Images.Enabled = false
	cfg.Diagnostics.Enabled = false
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	return cfg
}

func TestCrawlCommandStopsAtEndOfCatalog(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/page/3", r.URL.Path)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL+"/")
	original := loadConfig
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = original })

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--start-page", "3"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
}

func TestCrawlCommandRejectsInvalidOverride(t *testing.T) {
	cfg := testConfig(t, "https://example.test/")
	original := loadConfig
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = original })

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--start-page", "0"})
	root.SilenceErrors = true
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestResolveEnvRequiresPreRun(t *testing.T) {
	t.Parallel()

	_, err := resolveEnv(context.Background())
	require.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := openStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.MovieStore{}, store)

	path := filepath.Join(t.TempDir(), "movies.db")
	store, err = openStore(ctx, config.StoreConfig{Driver: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.MovieStore{}, store)
	require.NoError(t, store.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
}

func TestNewSink(t *testing.T) {
	t.Parallel()

	store := memory.NewMovieStore()
	s, err := newSink(config.SinkConfig{Backend: "store"}, store, system.New())
	require.NoError(t, err)
	assert.IsType(t, &sink.StoreSink{}, s)

	s, err = newSink(config.SinkConfig{Backend: "remote", Remote: config.RemoteConfig{BaseURL: "http://localhost:5000"}}, nil, system.New())
	require.NoError(t, err)
	assert.IsType(t, &sink.RemoteSink{}, s)

	_, err = newSink(config.SinkConfig{Backend: "store"}, nil, system.New())
	require.Error(t, err)
}

func TestOptionalComponents(t *testing.T) {
	t.Parallel()

	done := &cleanup{logger: zap.NewNop()}
	defer done.run()

	images, err := newImageStore(context.Background(), config.ImagesConfig{Enabled: false}, done)
	require.NoError(t, err)
	assert.Nil(t, images)

	images, err = newImageStore(context.Background(), config.ImagesConfig{Enabled: true, Backend: "local", Dir: t.TempDir()}, done)
	require.NoError(t, err)
	assert.NotNil(t, images)

	diag, err := newDiagnosticsStore(config.DiagnosticsConfig{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, diag)

	pub, err := newPublisher(context.Background(), config.PubSubConfig{}, done)
	require.NoError(t, err)
	assert.IsType(t, &memorypublisher.Publisher{}, pub)
}

func TestCleanupRunsInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []int
	done := &cleanup{logger: zap.NewNop()}
	done.add(func() { order = append(order, 1) })
	done.add(func() { order = append(order, 2) })
	done.run()
	done.run()
	assert.Equal(t, []int{2, 1}, order)
}
