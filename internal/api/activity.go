package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/scrubmedia/scrub/internal/api/jobs"
	"github.com/scrubmedia/scrub/internal/event"
	"github.com/scrubmedia/scrub/internal/http/websocket"
)

const (
	TitleJobUpdate      = "JOB_UPDATE"
	TitleJobProgress    = "JOB_PROGRESS_UPDATE"
	TitleJobComplete    = "JOB_COMPLETE"
	TitleSettingsUpdate = "SETTINGS_UPDATE"
)

type (
	JobUpdate struct {
		JobId uuid.UUID    `json:"job_id"`
		Job   *jobs.JobDto `json:"job"`
	}

	SettingsUpdate struct {
		Version int `json:"version"`
	}

	// broadcaster translates bus events into websocket updates for every
	// connected activity-stream client.
	broadcaster struct {
		socketHub  *websocket.SocketHub
		jobService jobs.Service
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, jobService jobs.Service) *broadcaster {
	return &broadcaster{socketHub: socketHub, jobService: jobService}
}

// listen consumes the event channel until it closes or the context is
// cancelled. Run on its own goroutine.
func (hub *broadcaster) listen(ctx context.Context, events event.HandlerChannel) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}

			hub.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (hub *broadcaster) handle(ctx context.Context, ev event.HandlerEvent) {
	switch ev.Event {
	case event.JobUpdateEvent:
		hub.broadcastJob(ctx, TitleJobUpdate, ev.Payload)
	case event.JobProgressEvent:
		hub.broadcastJob(ctx, TitleJobProgress, ev.Payload)
	case event.JobCompleteEvent:
		hub.broadcastJob(ctx, TitleJobComplete, ev.Payload)
	case event.SettingsUpdateEvent:
		if version, ok := ev.Payload.(int); ok {
			hub.broadcast(TitleSettingsUpdate, SettingsUpdate{Version: version})
		}
	}
}

func (hub *broadcaster) broadcastJob(ctx context.Context, title string, payload event.Payload) {
	id, ok := payload.(uuid.UUID)
	if !ok {
		return
	}

	update := JobUpdate{JobId: id}
	if item, err := hub.jobService.Job(ctx, id); err == nil {
		update.Job = jobs.NewDto(item)
	} else {
		log.Warnf("Broadcasting %s for %s without job body: %v\n", title, id, err)
	}

	hub.broadcast(title, update)
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]any{"arguments": update},
		Type:  websocket.Update,
	})
}
