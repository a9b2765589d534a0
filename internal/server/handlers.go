package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

// statusQueues are the queues reported by the status endpoints.
var statusQueues = []string{
	models.QueueAIProcessing,
	models.QueueSupabaseUpload,
	models.QueueInvestorProcessing,
	models.QueueFailedJobs,
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSocketHealth handles GET /api/socket/health.
func (s *Server) handleSocketHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"clients":     s.hub.ClientCount(),
		"subscribers": s.hub.RoomCount(models.RoomAll),
	})
}

// handleInsertNewAnnouncement handles POST /insert_new_announcement, the
// intake workers hit after a successful store. Filtered payloads are
// acknowledged but never reach subscribers.
func (s *Server) handleInsertNewAnnouncement(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var payload models.BroadcastPayload
	if r.Body == nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "request body is required"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON: " + err.Error()})
		return
	}

	if !payload.ShouldBroadcast() {
		s.logger.Debug().
			Str("corp_id", payload.CorpID).
			Str("category", payload.Category).
			Msg("Intake payload filtered")
		WriteJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}

	s.emit(r.Context(), &payload)
	s.logger.Info().
		Str("corp_id", payload.CorpID).
		Str("category", payload.Category).
		Msg("Announcement accepted for broadcast")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// scraperStatus is one exchange's cursor as reported by /api/scraper_status.
type scraperStatus struct {
	NewsID    string    `json:"news_id,omitempty"`
	EventTime time.Time `json:"event_time,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// handleScraperStatus handles GET /api/scraper_status: last cursor per
// exchange plus the queue depths.
func (s *Server) handleScraperStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	scrapers := make(map[string]scraperStatus, 2)
	for _, name := range []string{common.ExchangeBSE, common.ExchangeNSE} {
		var st scraperStatus
		data, err := os.ReadFile(s.config.DataFile("latest_announcement_" + name + ".json"))
		if err != nil {
			st.Error = "no cursor"
		} else if err := json.Unmarshal(data, &st); err != nil {
			st.Error = "unreadable cursor"
		}
		scrapers[name] = st
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scrapers": scrapers,
		"queues":   s.queueDepths(r),
	})
}

// handleQueueStatus handles GET /api/queue_status.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"queues": s.queueDepths(r)})
}

func (s *Server) queueDepths(r *http.Request) map[string]map[string]int64 {
	depths := make(map[string]map[string]int64, len(statusQueues))
	if s.queues == nil {
		return depths
	}
	for _, queue := range statusQueues {
		immediate, err := s.queues.QueueLen(r.Context(), queue)
		if err != nil {
			s.logger.Warn().Err(err).Str("queue", queue).Msg("Queue depth read failed")
			continue
		}
		delayed, _ := s.queues.DelayedLen(r.Context(), queue)
		depths[queue] = map[string]int64{"queued": immediate, "delayed": delayed}
	}
	return depths
}

// handleWS handles GET /ws.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}
