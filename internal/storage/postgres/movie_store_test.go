package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

var rowColumns = []string{"code", "title", "img_url", "date", "magnet_links", "detail_url", "updated_at"}

func newMockStore(t *testing.T) (*MovieStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "movies")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "movies; DROP TABLE x")
	require.Error(t, err)
	_, err = NewWithPool(nil, "movies")
	require.Error(t, err)
}

func TestUpsertWritesEncodedMagnets(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.MovieRecord{
		Code:      "ABC-123",
		Title:     "Title",
		ImageURL:  "https://www.javbus.com/pics/thumb/abc.jpg",
		DateText:  "2024-01-02",
		Magnets:   crawler.NewMagnetSet("magnet:?xt=1", "magnet:?xt=2"),
		DetailURL: "https://www.javbus.com/ABC-123",
		UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO movies").
		WithArgs(rec.Code, rec.Title, rec.ImageURL, rec.DateText, `["magnet:?xt=1","magnet:?xt=2"]`, rec.DetailURL, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupStates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	codes := []string{"FULL-1", "EMPTY-1", "NEW-1"}
	mock.ExpectQuery("SELECT code, COALESCE\\(magnet_links, ''\\) FROM movies").
		WithArgs(codes).
		WillReturnRows(pgxmock.NewRows([]string{"code", "magnet_links"}).
			AddRow("FULL-1", `["magnet:?a"]`).
			AddRow("EMPTY-1", `[]`))

	states, err := store.LookupStates(context.Background(), codes)
	require.NoError(t, err)
	assert.Equal(t, map[string]crawler.CrawlState{
		"FULL-1":  crawler.StateComplete,
		"EMPTY-1": crawler.StateIncomplete,
	}, states)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT code").WithArgs("NOPE-1").WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "NOPE-1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestListReturnsPageAndTotal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM movies").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("ORDER BY \"date\" DESC").
		WithArgs(2, 4).
		WillReturnRows(pgxmock.NewRows(rowColumns).
			AddRow("B-1", "b", "", "2024-02-01", `["magnet:?b"]`, "https://www.javbus.com/B-1", now).
			AddRow("A-1", "a", "", "2024-01-01", `[]`, "https://www.javbus.com/A-1", now))

	page, total, err := store.List(context.Background(), 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 2)
	assert.Equal(t, []string{"magnet:?b"}, page[0].Magnets.Values())
	assert.Equal(t, 0, page[1].Magnets.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}
