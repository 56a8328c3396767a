package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	errs     []error
	body     string
	calls    int
	requests []crawler.FetchRequest
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(f.body)}, nil
}

func newTestTransport(f crawler.Fetcher, logger *zap.Logger) *Transport {
	return New(Options{
		Fetcher:  f,
		Policy:   crawler.NewLinearRetryPolicy(3, time.Millisecond),
		Identity: crawler.Identity{UserAgent: "ua", Cookie: "existmag=mag"},
		Logger:   logger,
	})
}

func TestGetSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	f := &scriptedFetcher{
		errs: []error{&crawler.HTTPStatusError{StatusCode: 503}, errors.New("connection reset")},
		body: "ok",
	}

	body, err := newTestTransport(f, zap.New(core)).Get(context.Background(), "https://www.javbus.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 3, f.calls)

	entries := logs.FilterMessage("request failed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ContextMap()["attempt"])
	assert.Equal(t, int64(3), entries[1].ContextMap()["max_attempts"])
}

func TestGetReturnsFetchErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{errs: []error{
		&crawler.HTTPStatusError{StatusCode: 500},
		&crawler.HTTPStatusError{StatusCode: 500},
		&crawler.HTTPStatusError{StatusCode: 404},
	}}

	_, err := newTestTransport(f, nil).Get(context.Background(), "https://www.javbus.com/page/9", nil)
	require.Error(t, err)

	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.Equal(t, 404, crawler.StatusCode(err))
	assert.Equal(t, 3, f.calls)
}

func TestGetMergesIdentityAndExtraHeaders(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{body: "ok"}
	extra := http.Header{"Referer": {"https://www.javbus.com/ABC-123"}, "User-Agent": {"override"}}

	_, err := newTestTransport(f, nil).Get(context.Background(), "https://www.javbus.com/ajax", extra)
	require.NoError(t, err)
	require.Len(t, f.requests, 1)

	h := f.requests[0].Headers
	assert.Equal(t, "existmag=mag", h.Get("Cookie"))
	assert.Equal(t, "https://www.javbus.com/ABC-123", h.Get("Referer"))
	assert.Equal(t, []string{"override"}, h.Values("User-Agent"))
}

func TestGetStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	f := &scriptedFetcher{errs: []error{context.Canceled, nil}}
	cancel()

	_, err := newTestTransport(f, nil).Get(ctx, "https://www.javbus.com/", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, f.calls, 1)
}

type countingLimiter struct{ waits int }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.waits++
	return nil
}

func TestGetWaitsOnLimiterEachAttempt(t *testing.T) {
	t.Parallel()

	limiter := &countingLimiter{}
	f := &scriptedFetcher{errs: []error{errors.New("timeout")}, body: "ok"}
	tr := New(Options{Fetcher: f, Limiter: limiter, Policy: crawler.NewLinearRetryPolicy(3, 0)})

	_, err := tr.Get(context.Background(), "https://www.javbus.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, limiter.waits)
}
