// Package extract materializes catalog stubs into records by fetching the
// detail page and running an ordered list of magnet strategies over it.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/metrics"
)

// ImageCache stores cover images keyed by code.
type ImageCache interface {
	Ensure(ctx context.Context, code, imageURL string) (string, error)
}

// Options configures an Extractor.
type Options struct {
	Transport  crawler.Transport
	Strategies []crawler.Strategy
	// Diagnostics receives raw detail pages that yielded no magnets. Optional.
	Diagnostics crawler.BlobStore
	// Images caches cover images of successful records. Optional.
	Images   ImageCache
	DelayMin time.Duration
	DelayMax time.Duration
	Logger   *zap.Logger
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	transport   crawler.Transport
	strategies  []crawler.Strategy
	diagnostics crawler.BlobStore
	images      ImageCache
	delayMin    time.Duration
	delayMax    time.Duration
	logger      *zap.Logger
}

var _ crawler.Extractor = (*Extractor)(nil)

// New builds an Extractor. At least one strategy is required.
func New(opts Options) (*Extractor, error) {
	if opts.Transport == nil {
		return nil, errors.New("extract: transport is required")
	}
	if len(opts.Strategies) == 0 {
		return nil, errors.New("extract: at least one strategy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		transport:   opts.Transport,
		strategies:  opts.Strategies,
		diagnostics: opts.Diagnostics,
		images:      opts.Images,
		delayMin:    opts.DelayMin,
		delayMax:    opts.DelayMax,
		logger:      logger,
	}, nil
}

// DiagnosticPath names the dump written for an item without magnets.
func DiagnosticPath(stub crawler.ItemStub) string {
	return fmt.Sprintf("page%d_item%d.html", stub.PageNumber, stub.IndexOnPage)
}

// Extract fetches the detail page for stub and returns a record with a
// non-empty magnet set. Errors wrap crawler.ErrItemUnavailable or
// crawler.ErrNoMagnets; neither leaves anything written to the store.
func (e *Extractor) Extract(ctx context.Context, stub crawler.ItemStub) (crawler.MovieRecord, error) {
	crawler.Pause(ctx, crawler.Jitter(e.delayMin, e.delayMax))
	if err := ctx.Err(); err != nil {
		return crawler.MovieRecord{}, err
	}

	logger := e.logger.With(zap.String("code", stub.Code), zap.Int("page", stub.PageNumber), zap.Int("index", stub.IndexOnPage))

	body, err := e.transport.Get(ctx, stub.DetailURL, nil)
	if err != nil {
		return crawler.MovieRecord{}, fmt.Errorf("%w: %s: %w", crawler.ErrItemUnavailable, stub.Code, err)
	}

	page := crawler.DetailPage{Stub: stub, URL: stub.DetailURL, Body: body}
	magnets := e.runStrategies(ctx, page, logger)
	if magnets.Len() == 0 {
		e.dump(ctx, stub, body, logger)
		return crawler.MovieRecord{}, fmt.Errorf("%w: %s", crawler.ErrNoMagnets, stub.Code)
	}

	record := crawler.MovieRecord{
		Code:      stub.Code,
		Title:     stub.Title,
		ImageURL:  stub.ImageURL,
		DateText:  stub.DateText,
		Magnets:   magnets,
		DetailURL: stub.DetailURL,
	}
	e.cacheImage(ctx, stub, logger)
	return record, nil
}

// runStrategies returns the de-duplicated links of the first strategy that
// produces any. Strategy errors fall through to the next strategy.
func (e *Extractor) runStrategies(ctx context.Context, page crawler.DetailPage, logger *zap.Logger) crawler.MagnetSet {
	for _, s := range e.strategies {
		if ctx.Err() != nil {
			return crawler.MagnetSet{}
		}
		links, err := s.TryExtract(ctx, page)
		if err != nil {
			metrics.ObserveStrategy(s.Name(), "error")
			logger.Debug("strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		set := crawler.NewMagnetSet(links...)
		if set.Len() == 0 {
			metrics.ObserveStrategy(s.Name(), "empty")
			continue
		}
		metrics.ObserveStrategy(s.Name(), "hit")
		logger.Debug("magnets extracted", zap.String("strategy", s.Name()), zap.Int("magnets", set.Len()))
		return set
	}
	return crawler.MagnetSet{}
}

func (e *Extractor) dump(ctx context.Context, stub crawler.ItemStub, body []byte, logger *zap.Logger) {
	if e.diagnostics == nil {
		logger.Warn("no magnets found", zap.String("url", stub.DetailURL))
		return
	}
	uri, err := e.diagnostics.PutObject(ctx, DiagnosticPath(stub), "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		logger.Warn("no magnets found; diagnostic dump failed", zap.String("url", stub.DetailURL), zap.Error(err))
		return
	}
	logger.Warn("no magnets found", zap.String("url", stub.DetailURL), zap.String("dump", uri))
}

func (e *Extractor) cacheImage(ctx context.Context, stub crawler.ItemStub, logger *zap.Logger) {
	if e.images == nil || stub.ImageURL == "" {
		return
	}
	uri, err := e.images.Ensure(ctx, stub.Code, stub.ImageURL)
	if err != nil {
		logger.Warn("cover image not cached", zap.String("image_url", stub.ImageURL), zap.Error(err))
		return
	}
	if uri != "" {
		logger.Debug("cover image cached", zap.String("uri", uri))
	}
}
