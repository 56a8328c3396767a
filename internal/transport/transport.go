// Package transport wraps a single-shot Fetcher with the crawler's request
// identity, per-host rate limiting and bounded linear-backoff retries.
package transport

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/metrics"
)

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Options configures a Transport.
type Options struct {
	Fetcher  crawler.Fetcher
	Limiter  Waiter
	Policy   crawler.LinearRetryPolicy
	Identity crawler.Identity
	Logger   *zap.Logger
}

// Transport implements crawler.Transport.
type Transport struct {
	fetcher  crawler.Fetcher
	limiter  Waiter
	policy   crawler.LinearRetryPolicy
	identity crawler.Identity
	logger   *zap.Logger
}

var _ crawler.Transport = (*Transport)(nil)

// New builds a Transport. Limiter and Logger are optional.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := opts.Policy
	if policy.MaxAttempts <= 0 {
		policy = crawler.NewLinearRetryPolicy(policy.MaxAttempts, policy.BaseDelay)
	}
	return &Transport{
		fetcher:  opts.Fetcher,
		limiter:  opts.Limiter,
		policy:   policy,
		identity: opts.Identity,
		logger:   logger,
	}
}

// Get fetches url, retrying failures up to the policy's attempt budget. The
// definitive failure is a *crawler.FetchError wrapping the last attempt's error.
func (t *Transport) Get(ctx context.Context, url string, extra http.Header) ([]byte, error) {
	headers := t.identity.Headers()
	for key, values := range extra {
		headers.Del(key)
		for _, v := range values {
			headers.Add(key, v)
		}
	}

	attempt := 0
	var body []byte
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		return t.policy.Backoff(attempt), false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx, url); err != nil {
				return err
			}
		}
		resp, err := t.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url, Headers: headers})
		if err != nil {
			metrics.ObserveFetch(url, fetchStatus(err), 0)
			t.logger.Warn("request failed",
				zap.String("url", url),
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", t.policy.MaxAttempts),
			)
			if t.policy.ShouldRetry(err, attempt) && ctx.Err() == nil {
				return retry.RetryableError(err)
			}
			return err
		}
		metrics.ObserveFetch(url, strconv.Itoa(resp.StatusCode), len(resp.Body))
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, &crawler.FetchError{URL: url, Attempts: attempt, Err: err}
	}
	return body, nil
}

func fetchStatus(err error) string {
	if code := crawler.StatusCode(err); code != 0 {
		return strconv.Itoa(code)
	}
	return "error"
}
