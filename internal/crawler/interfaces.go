package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Fetcher performs a single HTTP GET and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Transport fetches a URL with the fixed request identity and bounded retries.
type Transport interface {
	Get(ctx context.Context, url string, extra http.Header) ([]byte, error)
}

// PageLister parses one catalog page into stubs.
type PageLister interface {
	ListPage(ctx context.Context, pageURL string, pageNumber int) ([]ItemStub, error)
}

// Extractor turns a stub into a materialized record.
type Extractor interface {
	Extract(ctx context.Context, stub ItemStub) (MovieRecord, error)
}

// Strategy is one best-effort way of pulling magnet links out of a detail page.
type Strategy interface {
	Name() string
	TryExtract(ctx context.Context, page DetailPage) ([]string, error)
}

// StateReader reports the crawl state of existing rows.
type StateReader interface {
	LookupStates(ctx context.Context, codes []string) (map[string]CrawlState, error)
}

// Store is the durable record store.
type Store interface {
	StateReader
	Upsert(ctx context.Context, record MovieRecord) error
	Get(ctx context.Context, code string) (MovieRecord, error)
	List(ctx context.Context, offset, limit int) ([]MovieRecord, int, error)
	Close() error
}

// Sink persists a materialized record.
type Sink interface {
	Save(ctx context.Context, record MovieRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher pushes save events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
