// Package dispatcher fans a batch of stubs out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/queue/memory"
	"github.com/xiaotian947859/javbus-site/internal/worker"
)

// DefaultWidth is the pool size used when none is configured.
const DefaultWidth = 30

// Processor drains a source of stubs. *worker.Worker satisfies it.
type Processor interface {
	Run(ctx context.Context, src worker.Source, report func(crawler.ItemStub, worker.Outcome)) error
}

// Dispatcher runs one batch at a time through width concurrent workers.
type Dispatcher struct {
	processor Processor
	width     int
	logger    *zap.Logger
}

// New creates a Dispatcher. A non-positive width falls back to DefaultWidth.
func New(processor Processor, width int, logger *zap.Logger) *Dispatcher {
	if width <= 0 {
		width = DefaultWidth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{processor: processor, width: width, logger: logger}
}

// Width reports the pool size.
func (d *Dispatcher) Width() int {
	return d.width
}

// RunBatch processes every stub and blocks until all are done. The returned
// tally covers every stub that reached a worker; an error is returned only
// when ctx ends before the batch completes.
func (d *Dispatcher) RunBatch(ctx context.Context, stubs []crawler.ItemStub) (worker.Tally, error) {
	var tally worker.Tally
	if len(stubs) == 0 {
		return tally, nil
	}

	q := memory.NewQueue(len(stubs))
	for _, stub := range stubs {
		if err := q.Enqueue(ctx, stub); err != nil {
			q.Close()
			return tally, fmt.Errorf("queue enqueue: %w", err)
		}
	}
	q.Close()

	var mu sync.Mutex
	report := func(_ crawler.ItemStub, outcome worker.Outcome) {
		mu.Lock()
		tally.Add(outcome)
		mu.Unlock()
	}

	width := min(d.width, len(stubs))
	d.logger.Debug("dispatching batch", zap.Int("items", len(stubs)), zap.Int("workers", width))

	g, gctx := errgroup.WithContext(ctx)
	for range width {
		g.Go(func() error {
			return d.processor.Run(gctx, q, report)
		})
	}
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return tally, fmt.Errorf("batch interrupted: %w", err)
		}
		return tally, err
	}
	return tally, nil
}
