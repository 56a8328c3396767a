package cmd

import (
	"context"
	"fmt"

	gcpstorage "cloud.google.com/go/storage"
	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/config"
	"github.com/xiaotian947859/javbus-site/internal/crawler"
	memorypublisher "github.com/xiaotian947859/javbus-site/internal/publisher/memory"
	pubsubpublisher "github.com/xiaotian947859/javbus-site/internal/publisher/pubsub"
	"github.com/xiaotian947859/javbus-site/internal/sink"
	"github.com/xiaotian947859/javbus-site/internal/storage/gcs"
	"github.com/xiaotian947859/javbus-site/internal/storage/local"
	"github.com/xiaotian947859/javbus-site/internal/storage/memory"
	"github.com/xiaotian947859/javbus-site/internal/storage/postgres"
	"github.com/xiaotian947859/javbus-site/internal/storage/sqlite"
)

// cleanup collects shutdown hooks and runs them in reverse order.
type cleanup struct {
	fns    []func()
	logger *zap.Logger
}

func (c *cleanup) add(fn func()) {
	c.fns = append(c.fns, fn)
}

func (c *cleanup) addErr(name string, fn func() error) {
	c.add(func() {
		if err := fn(); err != nil {
			c.logger.Warn("close failed", zap.String("component", name), zap.Error(err))
		}
	})
}

func (c *cleanup) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// openStore opens the record store selected by store.driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (crawler.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case "memory":
		return memory.NewMovieStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// newSink picks the sink named by sink.backend. The store may be nil for the
// remote backend.
func newSink(cfg config.SinkConfig, store crawler.Store, clock crawler.Clock) (crawler.Sink, error) {
	switch cfg.Backend {
	case "store":
		if store == nil {
			return nil, fmt.Errorf("store sink requires a record store")
		}
		return sink.NewStoreSink(store, clock), nil
	case "remote":
		remote, err := sink.NewRemoteSink(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout)
		if err != nil {
			return nil, fmt.Errorf("init remote sink: %w", err)
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unsupported sink backend %q", cfg.Backend)
	}
}

// newImageStore returns the blob store for cover images, or nil when the
// image cache is disabled.
func newImageStore(ctx context.Context, cfg config.ImagesConfig, done *cleanup) (crawler.BlobStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local image store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		done.addErr("gcs", client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs image store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported images backend %q", cfg.Backend)
	}
}

// newDiagnosticsStore returns the local dump directory, or nil when disabled.
func newDiagnosticsStore(cfg config.DiagnosticsConfig) (crawler.BlobStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := local.New(local.Config{BaseDir: cfg.Dir})
	if err != nil {
		return nil, fmt.Errorf("init diagnostics store: %w", err)
	}
	return store, nil
}

// newPublisher returns a Pub/Sub publisher when a project and topic are
// configured, otherwise an in-process one.
func newPublisher(ctx context.Context, cfg config.PubSubConfig, done *cleanup) (crawler.Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return memorypublisher.New(), nil
	}
	client, err := gcppubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	done.addErr("pubsub", client.Close)
	pub := pubsubpublisher.New(client, cfg.Topic)
	done.add(pub.Close)
	return pub, nil
}
