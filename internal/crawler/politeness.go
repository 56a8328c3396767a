package crawler

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"
)

// Identity is the fixed browser-like request identity presented on every fetch.
type Identity struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	Cookie         string
}

// Headers renders the identity as request headers, skipping empty values.
func (id Identity) Headers() http.Header {
	h := http.Header{}
	if id.UserAgent != "" {
		h.Set("User-Agent", id.UserAgent)
	}
	if id.Accept != "" {
		h.Set("Accept", id.Accept)
	}
	if id.AcceptLanguage != "" {
		h.Set("Accept-Language", id.AcceptLanguage)
	}
	if id.Cookie != "" {
		h.Set("Cookie", id.Cookie)
	}
	return h
}

// Pause blocks for delay or until ctx is done.
func Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Jitter returns a uniform duration in [lo, hi]. A reversed range is swapped.
func Jitter(lo, hi time.Duration) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi <= 0 {
		return 0
	}
	if hi == lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
