// Package server implements the broadcast frontend: the intake endpoint
// workers POST accepted filings to, the WebSocket rooms hub, and the
// pipeline status endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

// EventSource delivers cross-process broadcast payloads, normally the
// broker's pub/sub channel. Intake publishes there so every serve
// instance relays to its own hub.
type EventSource interface {
	Publish(ctx context.Context, payload []byte) error
}

// QueueInspector exposes the queue depths for the status endpoints.
type QueueInspector interface {
	QueueLen(ctx context.Context, queue string) (int64, error)
	DelayedLen(ctx context.Context, queue string) (int64, error)
}

// Server wraps the HTTP server, the rooms hub, and the broker views the
// status endpoints read from.
type Server struct {
	config       *common.Config
	logger       *common.Logger
	hub          *Hub
	events       EventSource
	queues       QueueInspector
	server       *http.Server
	shutdownChan chan struct{}
}

// NewServer creates the broadcast frontend. events and queues may be the
// same broker; events may be nil, in which case intake emits straight to
// the local hub.
func NewServer(config *common.Config, logger *common.Logger, hub *Hub, events EventSource, queues QueueInspector) *Server {
	s := &Server{
		config: config,
		logger: logger,
		hub:    hub,
		events: events,
		queues: queues,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      applyMiddleware(mux, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetShutdownChannel sets the channel signaled when HTTP shutdown is requested.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting broadcast frontend")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.server.Shutdown(ctx)
}

// emit routes an accepted payload toward subscribers: through the event
// channel when one is wired, directly to the local hub otherwise.
func (s *Server) emit(ctx context.Context, payload *models.BroadcastPayload) {
	event := models.RoomEvent{
		Type:    "new_announcement",
		Room:    models.RoomAll,
		Payload: *payload,
	}

	if s.events != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			if err := s.events.Publish(ctx, data); err == nil {
				return
			}
			s.logger.Warn().Str("corp_id", payload.CorpID).Msg("Event publish failed, falling back to local hub")
		}
	}
	s.hub.Broadcast(event)
}

// RelayEvents forwards payloads from a subscription channel to the hub
// until the context ends. Run as a goroutine next to hub.Run.
func (s *Server) RelayEvents(ctx context.Context, messages <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-messages:
			if !ok {
				return
			}
			var payload models.BroadcastPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				s.logger.Warn().Err(err).Msg("Unparseable broadcast event dropped")
				continue
			}
			s.hub.Broadcast(models.RoomEvent{
				Type:    "new_announcement",
				Room:    models.RoomAll,
				Payload: payload,
			})
		}
	}
}
