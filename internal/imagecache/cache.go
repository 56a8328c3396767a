// Package imagecache stores cover images keyed by item code.
package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Cache fetches an image once per code and keeps it in a BlobStore.
type Cache struct {
	transport crawler.Transport
	blobs     crawler.BlobStore
}

// New builds a Cache.
func New(transport crawler.Transport, blobs crawler.BlobStore) *Cache {
	return &Cache{transport: transport, blobs: blobs}
}

// Path returns the blob path for code's cover image.
func Path(code string) string {
	return "images/" + unsafeChars.ReplaceAllString(code, "_") + ".jpg"
}

// Ensure stores the image for code unless it is already present. It returns
// the blob URI, or "" when the image was already cached.
func (c *Cache) Ensure(ctx context.Context, code, imageURL string) (string, error) {
	if code == "" || imageURL == "" {
		return "", fmt.Errorf("image cache: code and url are required")
	}
	path := Path(code)
	ok, err := c.blobs.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("image cache: check %s: %w", path, err)
	}
	if ok {
		return "", nil
	}
	data, err := c.transport.Get(ctx, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("image cache: fetch %s: %w", imageURL, err)
	}
	uri, err := c.blobs.PutObject(ctx, path, "image/jpeg", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("image cache: store %s: %w", path, err)
	}
	return uri, nil
}
