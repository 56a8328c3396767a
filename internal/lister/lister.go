// Package lister turns catalog pages into item stubs.
package lister

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

const (
	containerXPath = `//*[@id="waterfall"]`
	linksXPath     = `//*[@id="waterfall"]/div/a/@href`
	imagesXPath    = `//*[@id="waterfall"]/div/a/div[1]/img/@src`
	titlesXPath    = `//*[@id="waterfall"]/div/a/div[2]/span/text()[1]`
	codesXPath     = `//*[@id="waterfall"]/div/a/div[2]/span/date[1]/text()`
	datesXPath     = `//*[@id="waterfall"]/div/a/div[2]/span/date[2]/text()`
)

// Lister implements crawler.PageLister over a Transport.
type Lister struct {
	transport crawler.Transport
	root      *url.URL
	logger    *zap.Logger
}

var _ crawler.PageLister = (*Lister)(nil)

// New builds a Lister rooted at baseURL.
func New(transport crawler.Transport, baseURL string, logger *zap.Logger) (*Lister, error) {
	root, err := url.Parse(baseURL)
	if err != nil || root.Scheme == "" || root.Host == "" {
		return nil, fmt.Errorf("lister: invalid base url %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{transport: transport, root: root, logger: logger}, nil
}

// PageURL returns the catalog URL for page n. Page 1 is the catalog root.
func PageURL(baseURL string, n int) string {
	if n <= 1 {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + "/page/" + strconv.Itoa(n)
}

// ListPage fetches and parses one catalog page. A 404 on a catalog page is
// read as the end of the catalog; other fetch failures are returned as-is.
func (l *Lister) ListPage(ctx context.Context, pageURL string, pageNumber int) ([]crawler.ItemStub, error) {
	body, err := l.transport.Get(ctx, pageURL, nil)
	if err != nil {
		if crawler.StatusCode(err) == http.StatusNotFound {
			l.logger.Info("catalog page not found", zap.Int("page", pageNumber), zap.String("url", pageURL))
			return nil, crawler.ErrEndOfCatalog
		}
		return nil, fmt.Errorf("list page %d: %w", pageNumber, err)
	}
	stubs, err := ParsePage(body, l.root, pageNumber)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("catalog page parsed", zap.Int("page", pageNumber), zap.Int("items", len(stubs)))
	return stubs, nil
}

// ParsePage extracts stubs from catalog markup. The five field sequences are
// zipped by position and must be equal in length.
func ParsePage(body []byte, root *url.URL, pageNumber int) ([]crawler.ItemStub, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", crawler.ErrMalformedPage, err)
	}
	if htmlquery.FindOne(doc, containerXPath) == nil {
		return nil, fmt.Errorf("%w: page %d has no item container", crawler.ErrMalformedPage, pageNumber)
	}

	links, err := texts(doc, linksXPath)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, crawler.ErrEndOfCatalog
	}
	images, err := texts(doc, imagesXPath)
	if err != nil {
		return nil, err
	}
	titles, err := texts(doc, titlesXPath)
	if err != nil {
		return nil, err
	}
	codes, err := texts(doc, codesXPath)
	if err != nil {
		return nil, err
	}
	dates, err := texts(doc, datesXPath)
	if err != nil {
		return nil, err
	}

	n := len(links)
	if len(images) != n || len(titles) != n || len(codes) != n || len(dates) != n {
		return nil, fmt.Errorf("%w: page %d sequences misaligned (links=%d images=%d titles=%d codes=%d dates=%d)",
			crawler.ErrMalformedPage, pageNumber, n, len(images), len(titles), len(codes), len(dates))
	}

	stubs := make([]crawler.ItemStub, 0, n)
	for i := range n {
		stubs = append(stubs, crawler.ItemStub{
			DetailURL:   resolve(root, links[i]),
			ImageURL:    resolve(root, images[i]),
			Title:       titles[i],
			Code:        codes[i],
			DateText:    dates[i],
			PageNumber:  pageNumber,
			IndexOnPage: i + 1,
		})
	}
	return stubs, nil
}

func texts(doc *html.Node, expr string) ([]string, error) {
	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: xpath %s: %v", crawler.ErrMalformedPage, expr, err)
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, strings.TrimSpace(htmlquery.InnerText(n)))
	}
	return out, nil
}

func resolve(root *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return root.Scheme + ":" + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return href
	}
	return root.ResolveReference(ref).String()
}
