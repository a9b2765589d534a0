package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

func TestNotifyPostsPayload(t *testing.T) {
	var received models.BroadcastPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer ts.Close()

	c := NewClient(&common.BroadcastConfig{Endpoint: ts.URL + "/insert_new_announcement"})
	payload := &models.BroadcastPayload{
		CorpID:    "corp-1",
		Category:  "Dividend",
		AISummary: "Interim dividend declared.",
	}
	require.NoError(t, c.NotifyNewAnnouncement(context.Background(), payload))
	assert.Equal(t, "corp-1", received.CorpID)
}

func TestNotifySkippedIsSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"skipped"}`))
	}))
	defer ts.Close()

	c := NewClient(&common.BroadcastConfig{Endpoint: ts.URL})
	assert.NoError(t, c.NotifyNewAnnouncement(context.Background(), &models.BroadcastPayload{CorpID: "corp-2"}))
}

func TestNotifyNon200IsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "intake exploded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(&common.BroadcastConfig{Endpoint: ts.URL})
	err := c.NotifyNewAnnouncement(context.Background(), &models.BroadcastPayload{CorpID: "corp-3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNotifyWithoutEndpointIsNoOp(t *testing.T) {
	c := NewClient(&common.BroadcastConfig{})
	assert.NoError(t, c.NotifyNewAnnouncement(context.Background(), &models.BroadcastPayload{CorpID: "corp-4"}))
}
