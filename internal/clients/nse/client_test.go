package nse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
)

const feedJSON = `[
	{
		"seq_id": "98765",
		"symbol": "TCS",
		"sm_isin": "INE467B01029",
		"sm_name": "Tata Consultancy Services Limited",
		"desc": "Updates",
		"attchmntText": "Update on acquisition",
		"attchmntFile": "https://nsearchives.example/corporate/TCS_24082026.pdf",
		"an_dt": "24-Aug-2026 16:45:12"
	},
	{
		"seq_id": "",
		"symbol": "INFY",
		"sm_isin": "INE009A01021",
		"sm_name": "Infosys Limited",
		"desc": "Press Release",
		"attchmntFile": "https://nsearchives.example/corporate/INFY_24082026.pdf",
		"an_dt": "24-Aug-2026 15:00:00"
	},
	{
		"seq_id": "",
		"symbol": "BROKEN",
		"an_dt": "24-Aug-2026 15:00:00"
	}
]`

func newTestServer(t *testing.T) (*Client, *atomic.Int32) {
	t.Helper()

	var warmUps atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		warmUps.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "nsit", Value: "session-token", Path: "/"})
		_, _ = w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/api/corporate-announcements", func(w http.ResponseWriter, r *http.Request) {
		// The API rejects calls without the homepage session cookie.
		if _, err := r.Cookie("nsit"); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedJSON))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := &common.ScraperConfig{RateLimit: 100}
	client := NewClient(cfg,
		WithLogger(common.NewSilentLogger()),
		WithBaseURL(srv.URL),
	)
	return client, &warmUps
}

func TestFetchAnnouncementsWarmsUpFirst(t *testing.T) {
	client, warmUps := newTestServer(t)

	result, err := client.FetchAnnouncements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), warmUps.Load(), "first fetch warms up the session")

	// Row without seq_id falls back to the attachment name; the row with
	// neither is dropped.
	require.Len(t, result.Announcements, 2)

	first := result.Announcements[0]
	assert.Equal(t, "98765", first.NewsID)
	assert.Equal(t, common.CorpID(common.ExchangeNSE, "98765"), first.CorpID)
	assert.Equal(t, common.ExchangeNSE, first.Exchange)
	assert.Equal(t, "TCS", first.Symbol)
	assert.Equal(t, "INE467B01029", first.ISIN)
	assert.Equal(t, "Updates", first.RawHeadline)
	assert.Equal(t, "Update on acquisition", first.Body)

	second := result.Announcements[1]
	assert.Equal(t, "INFY_24082026.pdf", second.NewsID)

	// The jar holds the cookie, so a second fetch skips the warm-up.
	_, err = client.FetchAnnouncements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), warmUps.Load())
}
