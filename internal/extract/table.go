package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

// TableStrategy reads the magnet table already present in the detail page.
type TableStrategy struct{}

// Name implements crawler.Strategy.
func (TableStrategy) Name() string { return "table" }

// TryExtract implements crawler.Strategy.
func (TableStrategy) TryExtract(_ context.Context, page crawler.DetailPage) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}
	var links []string
	doc.Find("#magnet-table tr td:nth-child(2) a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "magnet:") {
			links = append(links, href)
		}
	})
	return links, nil
}
