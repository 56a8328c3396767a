package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/clock/system"
	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/worker"
)

func TestRunBatchProcessesEveryStubOnce(t *testing.T) {
	t.Parallel()

	extractor := &countingExtractor{delay: 5 * time.Millisecond}
	w, err := worker.New(worker.Options{
		Extractor: extractor,
		Sink:      &nopSink{},
		Clock:     system.New(),
	})
	require.NoError(t, err)
	d := New(w, 4, zap.NewNop())

	stubs := make([]crawler.ItemStub, 25)
	for i := range stubs {
		stubs[i] = crawler.ItemStub{Code: string(rune('A' + i)), IndexOnPage: i}
	}

	tally, err := d.RunBatch(context.Background(), stubs)
	require.NoError(t, err)
	assert.Equal(t, 25, tally.Saved)
	assert.Equal(t, 25, extractor.calls())
	assert.LessOrEqual(t, extractor.peak.Load(), int32(4))
	assert.Greater(t, extractor.peak.Load(), int32(1))
}

func TestRunBatchEmpty(t *testing.T) {
	t.Parallel()

	d := New(&recordingProcessor{}, 0, nil)
	assert.Equal(t, DefaultWidth, d.Width())

	tally, err := d.RunBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, tally.Total())
}

func TestRunBatchLimitsWidthToBatchSize(t *testing.T) {
	t.Parallel()

	proc := &recordingProcessor{}
	d := New(proc, 10, nil)
	_, err := d.RunBatch(context.Background(), []crawler.ItemStub{{Code: "A"}, {Code: "B"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), proc.runs.Load())
}

func TestRunBatchCanceled(t *testing.T) {
	t.Parallel()

	w, err := worker.New(worker.Options{
		Extractor: &countingExtractor{delay: time.Second},
		Sink:      &nopSink{},
		Clock:     system.New(),
	})
	require.NoError(t, err)
	d := New(w, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.RunBatch(ctx, []crawler.ItemStub{{Code: "A"}, {Code: "B"}, {Code: "C"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingExtractor struct {
	delay  time.Duration
	mu     sync.Mutex
	count  int
	active atomic.Int32
	peak   atomic.Int32
}

func (c *countingExtractor) Extract(ctx context.Context, stub crawler.ItemStub) (crawler.MovieRecord, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c.mu.Lock()
	c.count++
	c.mu.Unlock()

	crawler.Pause(ctx, c.delay)
	if err := ctx.Err(); err != nil {
		return crawler.MovieRecord{}, err
	}
	return crawler.MovieRecord{Code: stub.Code, Magnets: crawler.NewMagnetSet("magnet:?xt=urn:btih:" + stub.Code)}, nil
}

func (c *countingExtractor) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

type nopSink struct{}

func (nopSink) Save(context.Context, crawler.MovieRecord) error { return nil }

type recordingProcessor struct {
	runs atomic.Int32
}

func (p *recordingProcessor) Run(ctx context.Context, src worker.Source, report func(crawler.ItemStub, worker.Outcome)) error {
	p.runs.Add(1)
	for {
		stub, err := src.Dequeue(ctx)
		if err != nil {
			return nil
		}
		report(stub, worker.OutcomeSaved)
	}
}
