package server

import "net/http"

// registerRoutes sets up the frontend routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/insert_new_announcement", s.handleInsertNewAnnouncement)
	mux.HandleFunc("/api/socket/health", s.handleSocketHealth)
	mux.HandleFunc("/api/scraper_status", s.handleScraperStatus)
	mux.HandleFunc("/api/queue_status", s.handleQueueStatus)
	mux.HandleFunc("/ws", s.handleWS)
}
