// Package coordinator drives a crawl run: catalog pages are walked strictly
// in order and each page's surviving items are processed concurrently.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/dedup"
	"github.com/xiaotian947859/javbus-site/internal/lister"
	"github.com/xiaotian947859/javbus-site/internal/metrics"
	"github.com/xiaotian947859/javbus-site/internal/worker"
)

// Classifier partitions codes by crawl state.
type Classifier interface {
	Classify(ctx context.Context, codes []string) dedup.Classification
}

// Batcher processes one page's survivors to completion.
type Batcher interface {
	RunBatch(ctx context.Context, stubs []crawler.ItemStub) (worker.Tally, error)
}

// Options configures a Coordinator.
type Options struct {
	Lister     crawler.PageLister
	Classifier Classifier
	Batcher    Batcher
	BaseURL    string
	StartPage  int
	// MaxPages caps the number of pages processed; zero means no cap.
	MaxPages  int
	PageDelay time.Duration
	RunID     string
	Logger    *zap.Logger
}

// Summary describes a finished (or interrupted) run.
type Summary struct {
	RunID     string
	Pages     int
	Listed    int
	Queued    int
	Skipped   int
	Retried   int
	Outcomes  worker.Tally
	EndOfList bool
}

// Coordinator implements the page loop.
type Coordinator struct {
	opts   Options
	logger *zap.Logger
}

// New validates opts and builds a Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Lister == nil:
		return nil, errors.New("coordinator: lister is required")
	case opts.Classifier == nil:
		return nil, errors.New("coordinator: classifier is required")
	case opts.Batcher == nil:
		return nil, errors.New("coordinator: batcher is required")
	case opts.BaseURL == "":
		return nil, errors.New("coordinator: base url is required")
	case opts.MaxPages < 0:
		return nil, errors.New("coordinator: max pages must be >= 0")
	}
	if opts.StartPage < 1 {
		opts.StartPage = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{opts: opts, logger: logger.With(zap.String("run_id", opts.RunID))}, nil
}

// Run walks the catalog until it runs out of items, the page cap is reached
// or an error stops it. Reaching the end of the catalog is not an error. A
// failed or malformed listing page stops the run with a wrapped error.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: c.opts.RunID}
	started := time.Now()
	c.logger.Info("crawl started",
		zap.String("base_url", c.opts.BaseURL),
		zap.Int("start_page", c.opts.StartPage),
		zap.Int("max_pages", c.opts.MaxPages),
	)

	err := c.walk(ctx, &summary)
	c.logSummary(summary, time.Since(started), err)
	return summary, err
}

func (c *Coordinator) walk(ctx context.Context, summary *Summary) error {
	for page := c.opts.StartPage; ; page++ {
		if c.opts.MaxPages > 0 && summary.Pages >= c.opts.MaxPages {
			c.logger.Info("page limit reached", zap.Int("pages", summary.Pages))
			return nil
		}
		if page > c.opts.StartPage {
			crawler.Pause(ctx, c.opts.PageDelay)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl interrupted before page %d: %w", page, err)
		}

		pageURL := lister.PageURL(c.opts.BaseURL, page)
		stubs, err := c.opts.Lister.ListPage(ctx, pageURL, page)
		if errors.Is(err, crawler.ErrEndOfCatalog) {
			metrics.ObservePage("end")
			c.logger.Info("end of catalog", zap.Int("page", page))
			summary.EndOfList = true
			return nil
		}
		if err != nil {
			metrics.ObservePage("failed")
			return fmt.Errorf("page %d: %w", page, err)
		}
		metrics.ObservePage("listed")

		if err := c.processPage(ctx, page, stubs, summary); err != nil {
			return err
		}
		summary.Pages++
	}
}

func (c *Coordinator) processPage(ctx context.Context, page int, stubs []crawler.ItemStub, summary *Summary) error {
	logger := c.logger.With(zap.Int("page", page))
	summary.Listed += len(stubs)

	codes := make([]string, len(stubs))
	for i, stub := range stubs {
		codes[i] = stub.Code
	}
	classes := c.opts.Classifier.Classify(ctx, codes)

	for _, stub := range stubs {
		switch classes.State(stub.Code) {
		case crawler.StateComplete:
			summary.Skipped++
			logger.Info("already complete; skipping", zap.String("code", stub.Code))
		case crawler.StateIncomplete:
			summary.Retried++
			logger.Info("incomplete; retrying", zap.String("code", stub.Code))
		}
	}

	survivors := classes.Survivors(stubs)
	summary.Queued += len(survivors)
	logger.Info("page listed",
		zap.Int("items", len(stubs)),
		zap.Int("queued", len(survivors)),
		zap.Int("skipped", len(stubs)-len(survivors)),
	)

	tally, err := c.opts.Batcher.RunBatch(ctx, survivors)
	summary.Outcomes.Merge(tally)
	if err != nil {
		return fmt.Errorf("page %d: %w", page, err)
	}
	logger.Info("page processed",
		zap.Int("saved", tally.Saved),
		zap.Int("no_magnets", tally.NoMagnets),
		zap.Int("unavailable", tally.Unavailable),
		zap.Int("save_failed", tally.SaveFailed),
	)
	return nil
}

func (c *Coordinator) logSummary(s Summary, elapsed time.Duration, err error) {
	fields := []zap.Field{
		zap.Int("pages", s.Pages),
		zap.Int("listed", s.Listed),
		zap.Int("queued", s.Queued),
		zap.Int("skipped", s.Skipped),
		zap.Int("retried", s.Retried),
		zap.Int("saved", s.Outcomes.Saved),
		zap.Int("no_magnets", s.Outcomes.NoMagnets),
		zap.Int("unavailable", s.Outcomes.Unavailable),
		zap.Int("save_failed", s.Outcomes.SaveFailed),
		zap.Bool("end_of_catalog", s.EndOfList),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		c.logger.Error("crawl stopped", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Info("crawl finished", fields...)
}
