package server

import (
	"context"
	"fmt"

	"github.com/bobmcallan/backfin/internal/models"
)

// HubTaskNotifier pushes verification-queue pings to the "all" room.
type HubTaskNotifier struct {
	hub *Hub
}

// NewHubTaskNotifier wraps a hub for the verification janitor.
func NewHubTaskNotifier(hub *Hub) *HubTaskNotifier {
	return &HubTaskNotifier{hub: hub}
}

// NotifyTasksQueued emits a "new_task" frame with the queue depth.
func (n *HubTaskNotifier) NotifyTasksQueued(ctx context.Context, queued int) error {
	n.hub.Broadcast(models.RoomEvent{
		Type:    "new_task",
		Room:    models.RoomAll,
		Message: fmt.Sprintf("%d verification tasks queued", queued),
	})
	return nil
}
