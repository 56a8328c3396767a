// Package sqlite provides the default embedded record store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

// lookupChunk bounds the number of bound parameters per IN query.
const lookupChunk = 500

// MovieStore implements crawler.Store on a single SQLite file. The schema is
// compatible with databases created by earlier versions of the crawler.
type MovieStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ crawler.Store = (*MovieStore)(nil)

// Open opens or creates the database at path and migrates the schema.
func Open(ctx context.Context, path string) (*MovieStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &MovieStore{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return store, nil
}

func (s *MovieStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS movies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT UNIQUE,
		title TEXT,
		img_url TEXT,
		date TEXT,
		magnet_links TEXT,
		detail_url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_movies_date ON movies(date);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	has, err := s.hasColumn(ctx, "updated_at")
	if err != nil {
		return err
	}
	if !has {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE movies ADD COLUMN updated_at TEXT`); err != nil {
			return fmt.Errorf("add updated_at: %w", err)
		}
	}
	return nil
}

func (s *MovieStore) hasColumn(ctx context.Context, name string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('movies')`)
	if err != nil {
		return false, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return false, err
		}
		if col == name {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the database connection.
func (s *MovieStore) Close() error {
	return s.db.Close()
}

// Upsert inserts the record or replaces every column of the existing row.
func (s *MovieStore) Upsert(ctx context.Context, record crawler.MovieRecord) error {
	if record.Code == "" {
		return fmt.Errorf("upsert: code is required")
	}
	magnets, err := crawler.EncodeMagnets(record.Magnets)
	if err != nil {
		return fmt.Errorf("encode magnets for %s: %w", record.Code, err)
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO movies (code, title, img_url, date, magnet_links, detail_url, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(code) DO UPDATE SET
		title = excluded.title,
		img_url = excluded.img_url,
		date = excluded.date,
		magnet_links = excluded.magnet_links,
		detail_url = excluded.detail_url,
		updated_at = excluded.updated_at`,
		record.Code,
		record.Title,
		record.ImageURL,
		record.DateText,
		magnets,
		record.DetailURL,
		updatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", record.Code, err)
	}
	return nil
}

// LookupStates classifies the codes that already have a row.
func (s *MovieStore) LookupStates(ctx context.Context, codes []string) (map[string]crawler.CrawlState, error) {
	out := make(map[string]crawler.CrawlState, len(codes))
	for start := 0; start < len(codes); start += lookupChunk {
		chunk := codes[start:min(start+lookupChunk, len(codes))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, code := range chunk {
			args[i] = code
		}
		// #nosec G202 -- only placeholders are concatenated.
		query := `SELECT code, COALESCE(magnet_links, '') FROM movies WHERE code IN (` + placeholders + `)`
		if err := s.collectStates(ctx, query, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *MovieStore) collectStates(ctx context.Context, query string, args []any, out map[string]crawler.CrawlState) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("lookup states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code, raw string
		if err := rows.Scan(&code, &raw); err != nil {
			return fmt.Errorf("scan state row: %w", err)
		}
		out[code] = crawler.StateFromEncoding(raw)
	}
	return rows.Err()
}

const selectColumns = `code, COALESCE(title, ''), COALESCE(img_url, ''), COALESCE(date, ''),
	COALESCE(magnet_links, ''), COALESCE(detail_url, ''), COALESCE(updated_at, created_at, '')`

type scanner interface {
	Scan(dest ...any) error
}

// Get returns the row for code or crawler.ErrNotFound.
func (s *MovieStore) Get(ctx context.Context, code string) (crawler.MovieRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM movies WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.MovieRecord{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.MovieRecord{}, fmt.Errorf("get %s: %w", code, err)
	}
	return rec, nil
}

// List returns a page ordered by date descending with the total row count.
func (s *MovieStore) List(ctx context.Context, offset, limit int) ([]crawler.MovieRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM movies`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM movies ORDER BY date DESC, code ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.MovieRecord, 0, max(limit, 0))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}
	return out, total, nil
}

func scanRecord(row scanner) (crawler.MovieRecord, error) {
	var (
		rec       crawler.MovieRecord
		magnets   string
		updatedAt string
	)
	if err := row.Scan(&rec.Code, &rec.Title, &rec.ImageURL, &rec.DateText, &magnets, &rec.DetailURL, &updatedAt); err != nil {
		return crawler.MovieRecord{}, err
	}
	rec.Magnets = crawler.DecodeMagnets(magnets)
	rec.UpdatedAt = parseTimestamp(updatedAt)
	return rec, nil
}

// parseTimestamp accepts RFC 3339 and SQLite's CURRENT_TIMESTAMP layout.
func parseTimestamp(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, time.DateTime} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
