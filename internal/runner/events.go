package runner

import "github.com/envrun/envrun/internal/models"

// EventSink receives run lifecycle events for live consumers such as the
// serve-mode websocket hub. Publish must not block.
type EventSink interface {
	Publish(event models.Event)
}

type discardSink struct{}

func (discardSink) Publish(models.Event) {}
