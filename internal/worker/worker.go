// Package worker turns queued item stubs into saved records.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/metrics"
	"github.com/xiaotian947859/javbus-site/internal/queue/memory"
)

// Outcome is the terminal result of processing one stub.
type Outcome string

// Outcomes double as metric labels.
const (
	OutcomeSaved       Outcome = "saved"
	OutcomeNoMagnets   Outcome = "no_magnets"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeSaveFailed  Outcome = "save_failed"
	OutcomeCanceled    Outcome = "canceled"
)

// SavedEvent is published after a record is persisted.
type SavedEvent struct {
	RunID     string    `json:"run_id"`
	Code      string    `json:"code"`
	Magnets   []string  `json:"magnets"`
	DetailURL string    `json:"detail_url"`
	SavedAt   time.Time `json:"saved_at"`
}

// Source yields stubs until it is closed and drained.
type Source interface {
	Dequeue(ctx context.Context) (crawler.ItemStub, error)
}

// Options configures a Worker.
type Options struct {
	Extractor crawler.Extractor
	Sink      crawler.Sink
	// Publisher and Topic are optional; events are skipped when either is unset.
	Publisher crawler.Publisher
	Topic     string
	Clock     crawler.Clock
	RunID     string
	Logger    *zap.Logger
}

// Worker processes stubs. It holds no per-item state and may be shared by
// any number of goroutines.
type Worker struct {
	extractor crawler.Extractor
	sink      crawler.Sink
	publisher crawler.Publisher
	topic     string
	clock     crawler.Clock
	runID     string
	logger    *zap.Logger
}

// New validates opts and builds a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Extractor == nil {
		return nil, errors.New("worker: extractor is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("worker: sink is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("worker: clock is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		extractor: opts.Extractor,
		sink:      opts.Sink,
		publisher: opts.Publisher,
		topic:     opts.Topic,
		clock:     opts.Clock,
		runID:     opts.RunID,
		logger:    logger,
	}, nil
}

// Run drains src, reporting each outcome, until src is closed or ctx ends.
func (w *Worker) Run(ctx context.Context, src Source, report func(crawler.ItemStub, Outcome)) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
		stub, err := src.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		outcome := w.Process(ctx, stub)
		if report != nil {
			report(stub, outcome)
		}
	}
}

// Process extracts and saves one stub. Failures are logged and reported as
// outcomes; none of them stop the crawl.
func (w *Worker) Process(ctx context.Context, stub crawler.ItemStub) Outcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	outcome := w.process(ctx, stub)
	metrics.ObserveItem(string(outcome))
	return outcome
}

func (w *Worker) process(ctx context.Context, stub crawler.ItemStub) Outcome {
	logger := w.logger.With(
		zap.String("run_id", w.runID),
		zap.String("code", stub.Code),
		zap.Int("page", stub.PageNumber),
		zap.Int("index", stub.IndexOnPage),
	)

	record, err := w.extractor.Extract(ctx, stub)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			logger.Debug("extraction abandoned", zap.Error(err))
			return OutcomeCanceled
		case errors.Is(err, crawler.ErrNoMagnets):
			logger.Warn("no magnets found", zap.String("url", stub.DetailURL))
			return OutcomeNoMagnets
		default:
			logger.Warn("item unavailable", zap.String("url", stub.DetailURL), zap.Error(err))
			return OutcomeUnavailable
		}
	}

	if err := w.sink.Save(ctx, record); err != nil {
		logger.Error("save failed", zap.Error(err))
		return OutcomeSaveFailed
	}
	logger.Info("record saved", zap.Int("magnets", record.Magnets.Len()))

	w.publish(ctx, record, logger)
	return OutcomeSaved
}

func (w *Worker) publish(ctx context.Context, record crawler.MovieRecord, logger *zap.Logger) {
	if w.publisher == nil || w.topic == "" {
		return
	}
	event := SavedEvent{
		RunID:     w.runID,
		Code:      record.Code,
		Magnets:   record.Magnets.Values(),
		DetailURL: record.DetailURL,
		SavedAt:   w.clock.Now(),
	}
	id, err := w.publisher.Publish(ctx, w.topic, event)
	if err != nil {
		logger.Warn("publish saved event failed", zap.String("topic", w.topic), zap.Error(err))
		return
	}
	logger.Debug("saved event published", zap.String("topic", w.topic), zap.String("message_id", id))
}

// Tally counts outcomes for one batch or run.
type Tally struct {
	Saved       int
	NoMagnets   int
	Unavailable int
	SaveFailed  int
	Canceled    int
}

// Add records one outcome.
func (t *Tally) Add(o Outcome) {
	switch o {
	case OutcomeSaved:
		t.Saved++
	case OutcomeNoMagnets:
		t.NoMagnets++
	case OutcomeUnavailable:
		t.Unavailable++
	case OutcomeSaveFailed:
		t.SaveFailed++
	case OutcomeCanceled:
		t.Canceled++
	}
}

// Merge adds other into t.
func (t *Tally) Merge(other Tally) {
	t.Saved += other.Saved
	t.NoMagnets += other.NoMagnets
	t.Unavailable += other.Unavailable
	t.SaveFailed += other.SaveFailed
	t.Canceled += other.Canceled
}

// Total is the number of outcomes recorded.
func (t Tally) Total() int {
	return t.Saved + t.NoMagnets + t.Unavailable + t.SaveFailed + t.Canceled
}
