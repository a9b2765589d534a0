package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/broker"
	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

type fixture struct {
	server *Server
	hub    *Hub
	ts     *httptest.Server
	broker *broker.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := broker.NewBroker(context.Background(), &common.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	config := common.NewDefaultConfig()
	config.Storage.DataPath = t.TempDir()

	hub := NewHub(common.NewSilentLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)

	// No event source wired: intake emits straight to the local hub.
	s := NewServer(config, common.NewSilentLogger(), hub, nil, b)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: s, hub: hub, ts: ts, broker: b}
}

func (f *fixture) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) models.RoomEvent {
	t.Helper()
	require.NoError(t, conn.WriteJSON(joinRequest{Action: "join", Room: room}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event models.RoomEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func postIntake(t *testing.T, ts *httptest.Server, payload models.BroadcastPayload) (int, map[string]string) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/insert_new_announcement", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp.StatusCode, result
}

func broadcastable(corpID string) models.BroadcastPayload {
	return models.BroadcastPayload{
		CorpID:      corpID,
		Category:    "Dividend",
		AISummary:   "The board declared an interim dividend.",
		CompanyName: "Reliance Industries Ltd",
		Date:        "2026-08-20",
	}
}

func TestIntakeBroadcastsToSubscribers(t *testing.T) {
	f := newFixture(t)
	conn := f.dialWS(t)

	joined := joinRoom(t, conn, models.RoomAll)
	assert.Equal(t, "joined", joined.Type)

	status, result := postIntake(t, f.ts, broadcastable("corp-1"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", result["status"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event models.RoomEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "new_announcement", event.Type)
	assert.Equal(t, models.RoomAll, event.Room)
	assert.Equal(t, "corp-1", event.Payload.CorpID)
}

func TestIntakeFiltersProcedural(t *testing.T) {
	f := newFixture(t)
	conn := f.dialWS(t)
	joinRoom(t, conn, models.RoomAll)

	payload := broadcastable("corp-2")
	payload.Category = models.CategoryProcedural
	status, result := postIntake(t, f.ts, payload)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "skipped", result["status"])

	// Nothing reaches the subscriber.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var event models.RoomEvent
	assert.Error(t, conn.ReadJSON(&event))
}

func TestIntakeFiltersBlankSummaries(t *testing.T) {
	f := newFixture(t)

	payload := broadcastable("corp-3")
	payload.Summary = ""
	payload.AISummary = "   "
	status, result := postIntake(t, f.ts, payload)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "skipped", result["status"])

	payload = broadcastable("")
	status, result = postIntake(t, f.ts, payload)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "skipped", result["status"])
}

func TestIntakeRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/insert_new_announcement", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "error", result["status"])
}

func TestJoinUnknownRoomRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.dialWS(t)

	event := joinRoom(t, conn, "admins")
	assert.Equal(t, "error", event.Type)
	assert.Equal(t, "admins", event.Room)

	// The connection is closed after the rejection frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next models.RoomEvent
	assert.Error(t, conn.ReadJSON(&next))
}

func TestUnjoinedClientReceivesNothing(t *testing.T) {
	f := newFixture(t)
	conn := f.dialWS(t)

	status, result := postIntake(t, f.ts, broadcastable("corp-4"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", result["status"])

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var event models.RoomEvent
	assert.Error(t, conn.ReadJSON(&event))
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	conn := f.dialWS(t)
	joinRoom(t, conn, models.RoomAll)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.ts.URL + "/api/socket/health")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var socket struct {
		Status      string `json:"status"`
		Clients     int    `json:"clients"`
		Subscribers int    `json:"subscribers"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&socket))
	assert.Equal(t, "ok", socket.Status)
	assert.Equal(t, 1, socket.Clients)
	assert.Equal(t, 1, socket.Subscribers)
}

func TestQueueStatusReportsDepths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.broker.Push(ctx, models.QueueAIProcessing, []byte(`{"job_id":"a"}`)))
	require.NoError(t, f.broker.Push(ctx, models.QueueAIProcessing, []byte(`{"job_id":"b"}`)))
	require.NoError(t, f.broker.Defer(ctx, models.QueueSupabaseUpload, []byte(`{"job_id":"c"}`), time.Now().Add(time.Hour)))

	resp, err := http.Get(f.ts.URL + "/api/queue_status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Queues map[string]map[string]int64 `json:"queues"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, int64(2), result.Queues[models.QueueAIProcessing]["queued"])
	assert.Equal(t, int64(1), result.Queues[models.QueueSupabaseUpload]["delayed"])
	assert.Equal(t, int64(0), result.Queues[models.QueueFailedJobs]["queued"])
}

func TestScraperStatusReadsCursor(t *testing.T) {
	f := newFixture(t)

	cursor := map[string]interface{}{
		"news_id":    "20260820123456",
		"event_time": time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC),
		"updated_at": time.Now().UTC(),
	}
	data, err := json.Marshal(cursor)
	require.NoError(t, err)
	path := filepath.Join(f.server.config.Storage.DataPath, "latest_announcement_bse.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	resp, err := http.Get(f.ts.URL + "/api/scraper_status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Scrapers map[string]scraperStatus `json:"scrapers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "20260820123456", result.Scrapers["bse"].NewsID)
	assert.Equal(t, "no cursor", result.Scrapers["nse"].Error)
}

func TestRelayEventsForwardsToHub(t *testing.T) {
	f := newFixture(t)
	conn := f.dialWS(t)
	joinRoom(t, conn, models.RoomAll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := make(chan []byte, 1)
	go f.server.RelayEvents(ctx, messages)

	payload := broadcastable("corp-relay")
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	messages <- data

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event models.RoomEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "corp-relay", event.Payload.CorpID)
}
