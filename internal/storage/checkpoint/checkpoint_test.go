package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(common.NewSilentLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testAnnouncement(newsID string, eventTime time.Time) models.Announcement {
	return models.Announcement{
		NewsID:        newsID,
		CorpID:        common.CorpID(common.ExchangeBSE, newsID),
		Exchange:      common.ExchangeBSE,
		SecurityID:    "500325",
		ISIN:          "INE002A01018",
		CompanyName:   "Reliance Industries Ltd",
		EventDatetime: eventTime,
		RawHeadline:   "Board Meeting Intimation",
	}
}

func TestSaveRawFetchAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	anns := []models.Announcement{
		testAnnouncement("news-1", now),
		testAnnouncement("news-2", now),
	}
	require.NoError(t, db.SaveRawFetch(ctx, anns, "https://example.test/feed", "page=1", `{"Table":[]}`))

	row, err := db.Get(ctx, "news-1")
	require.NoError(t, err)
	assert.Equal(t, "news-1", row.NewsID)
	assert.Equal(t, common.CorpID(common.ExchangeBSE, "news-1"), row.CorpID)
	assert.False(t, row.AIProcessed)
	assert.False(t, row.SentToSupabase)

	_, err = db.Get(ctx, "news-missing")
	assert.Error(t, err)
}

func TestSaveRawFetchSkipsDuplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first := testAnnouncement("news-1", now)
	require.NoError(t, db.SaveRawFetch(ctx, []models.Announcement{first}, "u", "p", "{}"))

	// Mark progress, then re-save the same announcement in a later batch.
	require.NoError(t, db.UpdateCheckpoint(ctx, "news-1", func(r *models.CheckpointRow) {
		r.AIProcessed = true
		r.AISummary = "summary"
	}))

	dup := testAnnouncement("news-1", now)
	dup.RawHeadline = "changed headline"
	require.NoError(t, db.SaveRawFetch(ctx, []models.Announcement{dup}, "u", "p", "{}"))

	// Duplicate insert must not clobber existing progress.
	row, err := db.Get(ctx, "news-1")
	require.NoError(t, err)
	assert.True(t, row.AIProcessed)
	assert.Equal(t, "Board Meeting Intimation", row.RawHeadline)
}

func TestUpdateCheckpoint(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveRawFetch(ctx, []models.Announcement{testAnnouncement("news-1", time.Now())}, "u", "p", "{}"))

	require.NoError(t, db.UpdateCheckpoint(ctx, "news-1", func(r *models.CheckpointRow) {
		r.DownloadedPDFFile = "/tmp/news-1.pdf"
		r.PDFPages = 4
		r.AIProcessed = true
		r.AIProcessedAt = time.Now()
	}))

	row, err := db.Get(ctx, "news-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/news-1.pdf", row.DownloadedPDFFile)
	assert.Equal(t, 4, row.PDFPages)
	assert.True(t, row.AIProcessed)
	assert.True(t, row.NeedsWork(), "supabase stage still outstanding")

	err = db.UpdateCheckpoint(ctx, "news-missing", func(r *models.CheckpointRow) {})
	assert.Error(t, err)
}

func TestRowsNeedingWork(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	anns := []models.Announcement{
		testAnnouncement("news-newest", day.Add(2*time.Hour)),
		testAnnouncement("news-oldest", day),
		testAnnouncement("news-middle", day.Add(time.Hour)),
		testAnnouncement("news-other-day", day.AddDate(0, 0, -1)),
	}
	require.NoError(t, db.SaveRawFetch(ctx, anns, "u", "p", "{}"))

	// Fully processed rows drop out of the work set.
	require.NoError(t, db.UpdateCheckpoint(ctx, "news-middle", func(r *models.CheckpointRow) {
		r.AIProcessed = true
		r.SentToSupabase = true
	}))

	rows, err := db.RowsNeedingWork(ctx, "2026-08-24", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "news-oldest", rows[0].NewsID, "oldest first")
	assert.Equal(t, "news-newest", rows[1].NewsID)

	rows, err = db.RowsNeedingWork(ctx, "2026-08-24", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "news-oldest", rows[0].NewsID)

	// Empty date matches all days.
	rows, err = db.RowsNeedingWork(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
