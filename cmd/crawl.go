package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/clock/system"
	"github.com/xiaotian947859/javbus-site/internal/config"
	"github.com/xiaotian947859/javbus-site/internal/coordinator"
	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/dedup"
	"github.com/xiaotian947859/javbus-site/internal/dispatcher"
	"github.com/xiaotian947859/javbus-site/internal/extract"
	collyfetcher "github.com/xiaotian947859/javbus-site/internal/fetcher/colly"
	headlessfetcher "github.com/xiaotian947859/javbus-site/internal/fetcher/headless"
	"github.com/xiaotian947859/javbus-site/internal/id/uuid"
	"github.com/xiaotian947859/javbus-site/internal/imagecache"
	"github.com/xiaotian947859/javbus-site/internal/lister"
	"github.com/xiaotian947859/javbus-site/internal/metrics"
	"github.com/xiaotian947859/javbus-site/internal/policy/ratelimit"
	"github.com/xiaotian947859/javbus-site/internal/transport"
	"github.com/xiaotian947859/javbus-site/internal/worker"
)

type crawlFlags struct {
	startPage int
	maxPages  int
}

// newCrawlCmd creates the 'crawl' subcommand, which runs the catalog crawl
// once to completion.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the catalog once",
		Long: `Walks catalog pages in order starting at crawler.start_page, processes
the items of each page with crawler.workers concurrent workers and stops at the
end of the catalog, at crawler.max_pages, or on the first listing failure.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if cmd.Flags().Changed("start-page") {
				cfg.Crawler.StartPage = flags.startPage
			}
			if cmd.Flags().Changed("max-pages") {
				cfg.Crawler.MaxPages = flags.maxPages
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg, e.logger)
		},
	}
	cmd.Flags().IntVar(&flags.startPage, "start-page", 1, "first catalog page to crawl (overrides crawler.start_page)")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "stop after this many pages, 0 for no limit (overrides crawler.max_pages)")
	return cmd
}

func runCrawl(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	done := &cleanup{logger: logger}
	defer done.run()

	coord, err := buildCrawler(ctx, cfg, logger, done)
	if err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		startMetricsServer(cfg.Metrics.Addr, logger, done)
	}

	if _, err := coord.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted")
			return nil
		}
		return fmt.Errorf("run crawler: %w", err)
	}
	return nil
}

// buildCrawler wires the full pipeline from configuration.
func buildCrawler(ctx context.Context, cfg config.Config, logger *zap.Logger, done *cleanup) (*coordinator.Coordinator, error) {
	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("run_id", runID))
	clock := system.New()

	identity := crawler.Identity{
		UserAgent:      cfg.HTTP.UserAgent,
		Accept:         cfg.HTTP.Accept,
		AcceptLanguage: cfg.HTTP.AcceptLanguage,
		Cookie:         cfg.HTTP.Cookie,
	}
	tr := transport.New(transport.Options{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.HTTP.Timeout,
		}),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.HTTP.RateLimitRPS,
			DefaultBurst: cfg.HTTP.RateLimitBurst,
		}),
		Policy:   crawler.NewLinearRetryPolicy(cfg.HTTP.MaxAttempts, cfg.HTTP.RetryDelay),
		Identity: identity,
		Logger:   logger.Named("transport"),
	})

	root, err := url.Parse(cfg.Crawler.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	pages, err := lister.New(tr, cfg.Crawler.BaseURL, logger.Named("lister"))
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	done.addErr("store", store.Close)

	strategies := []crawler.Strategy{
		extract.NewAjaxStrategy(tr, root),
		extract.TableStrategy{},
	}
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: cfg.Headless.NavTimeout,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed; continuing without it", zap.Error(err))
		} else {
			done.add(browser.Close)
			strategies = append(strategies, extract.NewRenderStrategy(browser, identity))
		}
	}

	extractOpts := extract.Options{
		Transport:  tr,
		Strategies: strategies,
		DelayMin:   cfg.Crawler.ItemDelayMin,
		DelayMax:   cfg.Crawler.ItemDelayMax,
		Logger:     logger.Named("extract"),
	}
	diagnostics, err := newDiagnosticsStore(cfg.Diagnostics)
	if err != nil {
		return nil, err
	}
	if diagnostics != nil {
		extractOpts.Diagnostics = diagnostics
	}
	images, err := newImageStore(ctx, cfg.Images, done)
	if err != nil {
		return nil, err
	}
	if images != nil {
		extractOpts.Images = imagecache.New(tr, images)
	}
	extractor, err := extract.New(extractOpts)
	if err != nil {
		return nil, err
	}

	saver, err := newSink(cfg.Sink, store, clock)
	if err != nil {
		return nil, err
	}
	publisher, err := newPublisher(ctx, cfg.PubSub, done)
	if err != nil {
		return nil, err
	}

	w, err := worker.New(worker.Options{
		Extractor: extractor,
		Sink:      saver,
		Publisher: publisher,
		Topic:     cfg.PubSub.Topic,
		Clock:     clock,
		RunID:     runID,
		Logger:    logger.Named("worker"),
	})
	if err != nil {
		return nil, err
	}

	return coordinator.New(coordinator.Options{
		Lister:     pages,
		Classifier: dedup.New(store, logger.Named("dedup")),
		Batcher:    dispatcher.New(w, cfg.Crawler.Workers, logger.Named("dispatcher")),
		BaseURL:    cfg.Crawler.BaseURL,
		StartPage:  cfg.Crawler.StartPage,
		MaxPages:   cfg.Crawler.MaxPages,
		PageDelay:  cfg.Crawler.PageDelay,
		RunID:      runID,
		Logger:     logger.Named("coordinator"),
	})
}

func startMetricsServer(addr string, logger *zap.Logger, done *cleanup) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener error", zap.Error(err))
		}
	}()
	done.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics listener shutdown failed", zap.Error(err))
		}
	})
}
