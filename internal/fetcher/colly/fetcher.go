// Package collyfetcher implements crawler.Fetcher on top of a colly collector.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

const defaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher issues exactly one GET per Fetch call. Retries belong to the caller.
type Fetcher struct {
	template *colly.Collector
	timeout  time.Duration
}

// New builds a Fetcher whose clones share one pooled transport.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(pooledTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	return &Fetcher{template: c, timeout: timeout}
}

// Fetch performs one GET of request.URL. A non-2xx answer surfaces as
// *crawler.HTTPStatusError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	ex := &exchange{request: request, started: time.Now()}
	c := f.collectorFor(request)
	ex.attach(c)

	visited := make(chan error, 1)
	go func() { visited <- c.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case err := <-visited:
		if ex.err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ex.err)
		}
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		return ex.response, nil
	}
}

// collectorFor clones the template, applying the identity's User-Agent.
// Clones share the template's HTTP client; its timeout is fixed in New.
func (f *Fetcher) collectorFor(request crawler.FetchRequest) *colly.Collector {
	c := f.template.Clone()
	c.IgnoreRobotsTxt = true
	if ua := request.Headers.Get("User-Agent"); ua != "" {
		c.UserAgent = ua
	}
	return c
}

// hookRegistrar is the callback surface of *colly.Collector used by exchange.
type hookRegistrar interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// exchange carries the state of one request through colly's callbacks.
type exchange struct {
	request  crawler.FetchRequest
	started  time.Time
	response crawler.FetchResponse
	err      error
}

func (ex *exchange) attach(h hookRegistrar) {
	h.OnRequest(ex.onRequest)
	h.OnResponse(ex.onResponse)
	h.OnError(ex.onError)
}

// onRequest replaces colly's defaults with the identity headers.
func (ex *exchange) onRequest(r *colly.Request) {
	for key, values := range ex.request.Headers {
		if len(values) == 0 {
			continue
		}
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func (ex *exchange) onResponse(r *colly.Response) {
	ex.response = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(ex.started),
	}
}

func (ex *exchange) onError(r *colly.Response, err error) {
	if r != nil && r.StatusCode != 0 && (r.StatusCode < 200 || r.StatusCode >= 300) {
		ex.err = &crawler.HTTPStatusError{URL: ex.request.URL, StatusCode: r.StatusCode}
		return
	}
	ex.err = err
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var statusErr *crawler.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func pooledTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
