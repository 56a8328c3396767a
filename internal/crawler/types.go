package crawler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// CrawlState classifies a code against the store.
type CrawlState int

// Crawl states derived from store content.
const (
	StateAbsent CrawlState = iota
	StateIncomplete
	StateComplete
)

func (s CrawlState) String() string {
	switch s {
	case StateIncomplete:
		return "incomplete"
	case StateComplete:
		return "complete"
	default:
		return "absent"
	}
}

// ItemStub is one catalog entry as listed on a page.
type ItemStub struct {
	DetailURL   string
	ImageURL    string
	Title       string
	Code        string
	DateText    string
	PageNumber  int
	// IndexOnPage is 1-based.
	IndexOnPage int
}

// MagnetSet is an ordered set of magnet URIs. Iteration follows first-seen order.
type MagnetSet struct {
	values []string
	seen   map[string]struct{}
}

// NewMagnetSet builds a set from links, dropping blanks and repeats.
func NewMagnetSet(links ...string) MagnetSet {
	var s MagnetSet
	for _, link := range links {
		s.Add(link)
	}
	return s
}

// Add appends link unless it is blank or already present.
func (s *MagnetSet) Add(link string) bool {
	link = strings.TrimSpace(link)
	if link == "" {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[link]; ok {
		return false
	}
	s.seen[link] = struct{}{}
	s.values = append(s.values, link)
	return true
}

// Len reports the number of distinct links.
func (s MagnetSet) Len() int {
	return len(s.values)
}

// Clone returns a set that shares no state with s.
func (s MagnetSet) Clone() MagnetSet {
	return NewMagnetSet(s.values...)
}

// Values returns a copy of the links in insertion order. It is never nil.
func (s MagnetSet) Values() []string {
	out := make([]string, len(s.values))
	copy(out, s.values)
	return out
}

// MarshalJSON encodes the set as a JSON array.
func (s MagnetSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON decodes a JSON array, re-applying de-duplication.
func (s *MagnetSet) UnmarshalJSON(data []byte) error {
	var links []string
	if err := json.Unmarshal(data, &links); err != nil {
		return err
	}
	*s = NewMagnetSet(links...)
	return nil
}

// EncodeMagnets renders the canonical column encoding (a JSON array).
func EncodeMagnets(s MagnetSet) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMagnets parses a stored magnet column. Anything that is not a JSON
// array of strings decodes to an empty set.
func DecodeMagnets(raw string) MagnetSet {
	var s MagnetSet
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &s); err != nil {
		return MagnetSet{}
	}
	return s
}

// StateFromEncoding maps a stored magnet column to a CrawlState for an
// existing row. A row is complete iff the column decodes to a non-empty array.
func StateFromEncoding(raw string) CrawlState {
	if DecodeMagnets(raw).Len() > 0 {
		return StateComplete
	}
	return StateIncomplete
}

// MovieRecord is the durable unit keyed by Code.
type MovieRecord struct {
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	ImageURL  string    `json:"img_url"`
	DateText  string    `json:"date"`
	Magnets   MagnetSet `json:"magnets"`
	DetailURL string    `json:"link"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// SavePayload is the wire body of the remote save endpoint.
type SavePayload struct {
	Code     string   `json:"code"`
	Title    string   `json:"title"`
	ImageURL string   `json:"img_url"`
	Date     string   `json:"date"`
	Magnets  []string `json:"magnets"`
	Link     string   `json:"link"`
}

// Payload converts the record to its wire form.
func (r MovieRecord) Payload() SavePayload {
	return SavePayload{
		Code:     r.Code,
		Title:    r.Title,
		ImageURL: r.ImageURL,
		Date:     r.DateText,
		Magnets:  r.Magnets.Values(),
		Link:     r.DetailURL,
	}
}

// Record converts a wire payload into a record, trimming the key fields.
func (p SavePayload) Record() MovieRecord {
	return MovieRecord{
		Code:      strings.TrimSpace(p.Code),
		Title:     strings.TrimSpace(p.Title),
		ImageURL:  strings.TrimSpace(p.ImageURL),
		DateText:  strings.TrimSpace(p.Date),
		Magnets:   NewMagnetSet(p.Magnets...),
		DetailURL: strings.TrimSpace(p.Link),
	}
}

// FetchRequest captures everything needed to fetch a URL once.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// DetailPage is the input handed to extraction strategies.
type DetailPage struct {
	Stub ItemStub
	URL  string
	Body []byte
}
