package bse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
)

const feedJSON = `{
	"Table": [
		{
			"NEWSID": "abc-123",
			"SCRIP_CD": 500325,
			"SLONGNAME": "Reliance Industries Ltd",
			"NEWSSUB": "Board Meeting Intimation",
			"HEADLINE": "Board Meeting",
			"MORE": "Meeting on record date",
			"NEWS_DT": "2026-08-24T14:30:00",
			"ATTACHMENTNAME": "abc-123.pdf"
		},
		{
			"NEWSID": "def-456",
			"SCRIP_CD": 500325,
			"SLONGNAME": "Reliance Industries Ltd",
			"NEWSSUB": "Outcome of Board Meeting",
			"NEWS_DT": "not-a-date",
			"ATTACHMENTNAME": ""
		}
	]
}`

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/BseIndiaAPI/api/AnnSubCategoryGetData/w", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" || r.Header.Get("Referer") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedJSON))
	})
	mux.HandleFunc("/BseIndiaAPI/api/ComHeadernew/w", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ISIN":"INE002A01018"}`))
	})
	mux.HandleFunc("/xml-data/corpfiling/AttachLive/abc-123.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 test"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := &common.ScraperConfig{RateLimit: 100}
	client := NewClient(cfg,
		WithLogger(common.NewSilentLogger()),
		WithBaseURLs(srv.URL, srv.URL),
	)
	return srv, client
}

func TestFetchAnnouncements(t *testing.T) {
	srv, client := newTestServer(t)

	result, err := client.FetchAnnouncements(context.Background())
	require.NoError(t, err)

	// The unparseable row is skipped, the raw body is kept whole.
	require.Len(t, result.Announcements, 1)
	assert.JSONEq(t, feedJSON, result.RawJSON)
	assert.Contains(t, result.Params, "strSearch=P")

	ann := result.Announcements[0]
	assert.Equal(t, "abc-123", ann.NewsID)
	assert.Equal(t, common.CorpID(common.ExchangeBSE, "abc-123"), ann.CorpID)
	assert.Equal(t, common.ExchangeBSE, ann.Exchange)
	assert.Equal(t, "500325", ann.SecurityID)
	assert.Equal(t, "INE002A01018", ann.ISIN)
	assert.Equal(t, "Reliance Industries Ltd", ann.CompanyName)
	assert.Equal(t, "Board Meeting Intimation", ann.RawHeadline)
	assert.Equal(t, srv.URL+"/xml-data/corpfiling/AttachLive/abc-123.pdf", ann.PDFURL)
	assert.Equal(t, 2026, ann.EventDatetime.Year())
}

func TestDownloadPDF(t *testing.T) {
	_, client := newTestServer(t)

	result, err := client.FetchAnnouncements(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Announcements)

	dir := t.TempDir()
	path, err := client.DownloadPDF(context.Background(), &result.Announcements[0], dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "%PDF")
}

func TestDownloadPDFWithoutAttachment(t *testing.T) {
	_, client := newTestServer(t)

	result, err := client.FetchAnnouncements(context.Background())
	require.NoError(t, err)

	ann := result.Announcements[0]
	ann.PDFURL = ""
	_, err = client.DownloadPDF(context.Background(), &ann, t.TempDir())
	assert.Error(t, err)
}
