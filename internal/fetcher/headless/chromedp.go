// Package headless renders detail pages in headless Chrome so that magnet
// tables filled in by script are present in the returned markup.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultMagnetSelector    = "#magnet-table tr"
	defaultSettleTimeout     = 5 * time.Second
)

// Config controls the browser pool.
type Config struct {
	// MaxParallel bounds open tabs; zero means unbounded.
	MaxParallel       int
	NavigationTimeout time.Duration
	// WaitSelector is awaited for at most SettleTimeout after the body is ready.
	WaitSelector  string
	SettleTimeout time.Duration
}

// Fetcher implements crawler.Fetcher by rendering each URL in its own tab of
// a shared browser process.
type Fetcher struct {
	cfg  Config
	tabs *semaphore.Weighted

	browser     context.Context
	stopBrowser context.CancelFunc
	stopAlloc   context.CancelFunc

	launch    sync.Once
	launchErr error
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// NewChromedp prepares the browser allocator. Chrome itself starts lazily on
// the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultMagnetSelector
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	alloc, stopAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browser, stopBrowser := chromedp.NewContext(alloc)

	f := &Fetcher{cfg: cfg, browser: browser, stopBrowser: stopBrowser, stopAlloc: stopAlloc}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.stopBrowser()
	f.stopAlloc()
}

// start launches Chrome once. Tabs created before it would each get their
// own browser process.
func (f *Fetcher) start() error {
	f.launch.Do(func() {
		if err := chromedp.Run(f.browser); err != nil {
			f.launchErr = fmt.Errorf("launch browser: %w", err)
		}
	})
	return f.launchErr
}

// Fetch renders request.URL and returns the resulting DOM. A document status
// outside 2xx is returned as *crawler.HTTPStatusError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for browser tab: %w", err)
		}
		defer f.tabs.Release(1)
	}
	if err := f.start(); err != nil {
		return crawler.FetchResponse{}, err
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	unlink := context.AfterFunc(ctx, closeTab)
	defer unlink()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentStatus{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var dom, location string
	err := chromedp.Run(tab,
		identityAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitAtMost(f.cfg.WaitSelector, f.cfg.SettleTimeout),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &dom, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, ctx.Err())
		}
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, finalURL := doc.result()
	if finalURL == "" {
		finalURL = location
	}
	if status < 200 || status >= 300 {
		return crawler.FetchResponse{}, &crawler.HTTPStatusError{URL: request.URL, StatusCode: status}
	}
	return crawler.FetchResponse{
		URL:        finalURL,
		StatusCode: status,
		Body:       []byte(dom),
		Duration:   time.Since(start),
	}, nil
}

// waitAtMost waits up to limit for selector. A page that never renders it is
// still captured as-is.
func waitAtMost(selector string, limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		err := chromedp.WaitReady(selector, chromedp.ByQuery).Do(waitCtx)
		if err != nil && ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return err
	})
}

// identityAction presents the crawler identity: the User-Agent through
// emulation, everything else as extra request headers.
func identityAction(headers http.Header) chromedp.Action {
	userAgent, extra := splitUserAgent(headers)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(extra) == 0 {
			return nil
		}
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(extra)).Do(ctx); err != nil {
			return fmt.Errorf("set request headers: %w", err)
		}
		return nil
	})
}

// documentStatus records the status of the top-level document. Later
// document responses belong to frames and are ignored.
type documentStatus struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentStatus) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == 0 {
		d.status = int(resp.Response.Status)
		d.url = resp.Response.URL
	}
}

// result returns the captured status, assuming 200 when none was seen.
func (d *documentStatus) result() (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == 0 {
		return http.StatusOK, d.url
	}
	return d.status, d.url
}

func splitUserAgent(h http.Header) (string, http.Header) {
	if h == nil {
		return "", nil
	}
	extra := h.Clone()
	ua := extra.Get("User-Agent")
	extra.Del("User-Agent")
	return ua, extra
}

// toNetworkHeaders flattens h, keeping the last value of repeated keys.
func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		if n := len(values); n > 0 {
			out[key] = values[n-1]
		}
	}
	return out
}
