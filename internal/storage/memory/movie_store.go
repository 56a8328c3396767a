package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

// MovieStore keeps records in a map keyed by code.
type MovieStore struct {
	mu      sync.RWMutex
	records map[string]crawler.MovieRecord
	encoded map[string]string
}

var _ crawler.Store = (*MovieStore)(nil)

// NewMovieStore constructs an empty MovieStore.
func NewMovieStore() *MovieStore {
	return &MovieStore{
		records: make(map[string]crawler.MovieRecord),
		encoded: make(map[string]string),
	}
}

// Upsert inserts or replaces the row for record.Code.
func (s *MovieStore) Upsert(_ context.Context, record crawler.MovieRecord) error {
	if record.Code == "" {
		return fmt.Errorf("upsert: code is required")
	}
	encoded, err := crawler.EncodeMagnets(record.Magnets)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", record.Code, err)
	}
	record.Magnets = record.Magnets.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Code] = record
	s.encoded[record.Code] = encoded
	return nil
}

// SeedRaw stores a row with an arbitrary magnet column, mirroring rows
// written by older clients.
func (s *MovieStore) SeedRaw(record crawler.MovieRecord, rawMagnets string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Magnets = crawler.DecodeMagnets(rawMagnets)
	s.records[record.Code] = record
	s.encoded[record.Code] = rawMagnets
}

// LookupStates reports complete/incomplete for codes that have a row.
func (s *MovieStore) LookupStates(_ context.Context, codes []string) (map[string]crawler.CrawlState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]crawler.CrawlState, len(codes))
	for _, code := range codes {
		if raw, ok := s.encoded[code]; ok {
			out[code] = crawler.StateFromEncoding(raw)
		}
	}
	return out, nil
}

// Get returns the record for code or crawler.ErrNotFound.
func (s *MovieStore) Get(_ context.Context, code string) (crawler.MovieRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[code]
	if !ok {
		return crawler.MovieRecord{}, crawler.ErrNotFound
	}
	rec.Magnets = rec.Magnets.Clone()
	return rec, nil
}

// List returns a page of records ordered by date descending, then code.
func (s *MovieStore) List(_ context.Context, offset, limit int) ([]crawler.MovieRecord, int, error) {
	s.mu.RLock()
	all := make([]crawler.MovieRecord, 0, len(s.records))
	for _, rec := range s.records {
		rec.Magnets = rec.Magnets.Clone()
		all = append(all, rec)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].DateText != all[j].DateText {
			return all[i].DateText > all[j].DateText
		}
		return all[i].Code < all[j].Code
	})
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []crawler.MovieRecord{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

// Close is a no-op.
func (s *MovieStore) Close() error { return nil }
