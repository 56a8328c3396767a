// Package postgres provides a Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// MovieStore implements crawler.Store on Postgres.
type MovieStore struct {
	pool  pgxPool
	table string
	now   func() time.Time
}

var _ crawler.Store = (*MovieStore)(nil)

// New connects a pool and ensures the table exists.
func New(ctx context.Context, cfg Config) (*MovieStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string) (*MovieStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "movies"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &MovieStore{pool: pool, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

// EnsureSchema creates the table when missing.
func (s *MovieStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	title TEXT,
	img_url TEXT,
	"date" TEXT,
	magnet_links TEXT,
	detail_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *MovieStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
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
	query := fmt.Sprintf(`
INSERT INTO %s (code, title, img_url, "date", magnet_links, detail_url, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (code) DO UPDATE SET
	title = EXCLUDED.title,
	img_url = EXCLUDED.img_url,
	"date" = EXCLUDED."date",
	magnet_links = EXCLUDED.magnet_links,
	detail_url = EXCLUDED.detail_url,
	updated_at = EXCLUDED.updated_at`, s.table)
	_, err = s.pool.Exec(ctx, query,
		record.Code,
		record.Title,
		record.ImageURL,
		record.DateText,
		magnets,
		record.DetailURL,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", record.Code, err)
	}
	return nil
}

// LookupStates classifies the codes that already have a row.
func (s *MovieStore) LookupStates(ctx context.Context, codes []string) (map[string]crawler.CrawlState, error) {
	out := make(map[string]crawler.CrawlState, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`SELECT code, COALESCE(magnet_links, '') FROM %s WHERE code = ANY($1)`, s.table)
	rows, err := s.pool.Query(ctx, query, codes)
	if err != nil {
		return nil, fmt.Errorf("lookup states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code, raw string
		if err := rows.Scan(&code, &raw); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		out[code] = crawler.StateFromEncoding(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state rows: %w", err)
	}
	return out, nil
}

const selectColumns = `code, COALESCE(title, ''), COALESCE(img_url, ''), COALESCE("date", ''),
	COALESCE(magnet_links, ''), COALESCE(detail_url, ''), COALESCE(updated_at, created_at)`

// Get returns the row for code or crawler.ErrNotFound.
func (s *MovieStore) Get(ctx context.Context, code string) (crawler.MovieRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE code = $1`, selectColumns, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
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
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY "date" DESC, code ASC LIMIT $1 OFFSET $2`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.MovieRecord, 0, limit)
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

func scanRecord(row pgx.Row) (crawler.MovieRecord, error) {
	var (
		rec       crawler.MovieRecord
		magnets   string
		updatedAt time.Time
	)
	if err := row.Scan(&rec.Code, &rec.Title, &rec.ImageURL, &rec.DateText, &magnets, &rec.DetailURL, &updatedAt); err != nil {
		return crawler.MovieRecord{}, err
	}
	rec.Magnets = crawler.DecodeMagnets(magnets)
	rec.UpdatedAt = updatedAt
	return rec, nil
}
