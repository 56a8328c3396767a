package extract

import (
	"context"
	"fmt"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

// RenderStrategy loads the detail page in a browser so that script-filled
// magnet tables are present, then scans the rendered markup.
type RenderStrategy struct {
	fetcher  crawler.Fetcher
	identity crawler.Identity
}

// NewRenderStrategy wraps a browser-backed Fetcher.
func NewRenderStrategy(fetcher crawler.Fetcher, identity crawler.Identity) *RenderStrategy {
	return &RenderStrategy{fetcher: fetcher, identity: identity}
}

// Name implements crawler.Strategy.
func (s *RenderStrategy) Name() string { return "headless" }

// TryExtract implements crawler.Strategy.
func (s *RenderStrategy) TryExtract(ctx context.Context, page crawler.DetailPage) ([]string, error) {
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: page.URL, Headers: s.identity.Headers()})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", page.URL, err)
	}
	return magnetAnchors(resp.Body)
}
