// Package dedup classifies listed codes against the record store.
package dedup

import (
	"context"

	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

// Classification partitions a page's codes. Codes in neither set are new.
type Classification struct {
	Complete   map[string]struct{}
	Incomplete map[string]struct{}
}

// State returns the crawl state of code.
func (c Classification) State(code string) crawler.CrawlState {
	if _, ok := c.Complete[code]; ok {
		return crawler.StateComplete
	}
	if _, ok := c.Incomplete[code]; ok {
		return crawler.StateIncomplete
	}
	return crawler.StateAbsent
}

// Filter reads crawl state through a StateReader.
type Filter struct {
	reader crawler.StateReader
	logger *zap.Logger
}

// New builds a Filter. A nil reader classifies every code as new.
func New(reader crawler.StateReader, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{reader: reader, logger: logger}
}

// Classify looks up codes in one batch. Read failures fail open: the error is
// logged and every code is treated as new.
func (f *Filter) Classify(ctx context.Context, codes []string) Classification {
	out := Classification{
		Complete:   make(map[string]struct{}),
		Incomplete: make(map[string]struct{}),
	}
	if f.reader == nil || len(codes) == 0 {
		return out
	}
	states, err := f.reader.LookupStates(ctx, codes)
	if err != nil {
		f.logger.Warn("state lookup failed; treating page as new", zap.Int("codes", len(codes)), zap.Error(err))
		return out
	}
	for code, state := range states {
		switch state {
		case crawler.StateComplete:
			out.Complete[code] = struct{}{}
		case crawler.StateIncomplete:
			out.Incomplete[code] = struct{}{}
		}
	}
	return out
}

// Survivors returns the stubs that still need processing, in listing order.
func (c Classification) Survivors(stubs []crawler.ItemStub) []crawler.ItemStub {
	out := make([]crawler.ItemStub, 0, len(stubs))
	for _, stub := range stubs {
		if c.State(stub.Code) != crawler.StateComplete {
			out = append(out, stub)
		}
	}
	return out
}
