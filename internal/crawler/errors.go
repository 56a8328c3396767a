package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEndOfCatalog signals that a catalog page listed no items.
	ErrEndOfCatalog = errors.New("end of catalog")
	// ErrMalformedPage signals catalog markup that could not be parsed into aligned items.
	ErrMalformedPage = errors.New("malformed catalog page")
	// ErrNoMagnets signals that every extraction strategy came back empty.
	ErrNoMagnets = errors.New("no magnet links found")
	// ErrItemUnavailable signals that a detail page could not be fetched this run.
	ErrItemUnavailable = errors.New("item unavailable")
	// ErrNotFound is returned by stores when a code has no row.
	ErrNotFound = errors.New("record not found")
)

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// FetchError is the definitive failure returned once the retry budget is spent.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
