package extract

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

var (
	gidPattern = regexp.MustCompile(`var\s+gid\s*=\s*([^;]+);`)
	ucPattern  = regexp.MustCompile(`var\s+uc\s*=\s*([^;]+);`)
	imgPattern = regexp.MustCompile(`var\s+img\s*=\s*'([^']*)';`)
)

// pageVars are the script variables the magnet endpoint needs.
type pageVars struct {
	gid string
	uc  string
	img string
}

// scanPageVars finds gid, uc and img in the detail page scripts. gid and uc
// must be integers.
func scanPageVars(body []byte) (pageVars, error) {
	gid := submatch(gidPattern, body)
	uc := submatch(ucPattern, body)
	img := submatch(imgPattern, body)
	if gid == "" || uc == "" || img == "" {
		return pageVars{}, fmt.Errorf("script variables missing (gid=%t uc=%t img=%t)", gid != "", uc != "", img != "")
	}
	if _, err := strconv.ParseUint(gid, 10, 64); err != nil {
		return pageVars{}, fmt.Errorf("gid %q is not numeric", gid)
	}
	if _, err := strconv.ParseUint(uc, 10, 64); err != nil {
		return pageVars{}, fmt.Errorf("uc %q is not numeric", uc)
	}
	return pageVars{gid: gid, uc: uc, img: img}, nil
}

func submatch(re *regexp.Regexp, body []byte) string {
	m := re.FindSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// AjaxStrategy asks the site's magnet endpoint for the link table.
type AjaxStrategy struct {
	transport crawler.Transport
	root      *url.URL
	floor     func() int
}

// NewAjaxStrategy builds the endpoint strategy rooted at the catalog root.
func NewAjaxStrategy(transport crawler.Transport, root *url.URL) *AjaxStrategy {
	return &AjaxStrategy{
		transport: transport,
		root:      root,
		floor:     func() int { return rand.IntN(1000) + 1 },
	}
}

// Name implements crawler.Strategy.
func (s *AjaxStrategy) Name() string { return "ajax" }

// EndpointURL builds the magnet endpoint URL for the scanned variables.
func (s *AjaxStrategy) EndpointURL(vars pageVars) string {
	q := url.Values{}
	q.Set("gid", vars.gid)
	q.Set("lang", "zh")
	q.Set("img", vars.img)
	q.Set("uc", vars.uc)
	q.Set("floor", strconv.Itoa(s.floor()))
	endpoint := s.root.ResolveReference(&url.URL{Path: "/ajax/uncledatoolsbyajax.php"})
	endpoint.RawQuery = q.Encode()
	return endpoint.String()
}

// TryExtract implements crawler.Strategy.
func (s *AjaxStrategy) TryExtract(ctx context.Context, page crawler.DetailPage) ([]string, error) {
	vars, err := scanPageVars(page.Body)
	if err != nil {
		return nil, err
	}
	body, err := s.transport.Get(ctx, s.EndpointURL(vars), http.Header{"Referer": {page.URL}})
	if err != nil {
		return nil, fmt.Errorf("magnet endpoint: %w", err)
	}
	return magnetAnchors(body)
}

// magnetAnchors returns every href containing "magnet:" in document order.
func magnetAnchors(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse magnet markup: %w", err)
	}
	var links []string
	doc.Find(`a[href*="magnet:"]`).Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			links = append(links, href)
		}
	})
	return links, nil
}
