package ingest

import "github.com/logvault/logvault/pkg/timerange"

// Event is one progress notification emitted while a run executes. The HTTP
// layer forwards these to WebSocket subscribers.
type Event struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id"`
	Range    timerange.Range `json:"range"`
	Decision string          `json:"decision,omitempty"`
	Page     int             `json:"page,omitempty"`
	Rows     int64           `json:"rows,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Event types emitted over a run's lifetime.
const (
	EventPlanned   = "planned"
	EventFetching  = "fetching"
	EventPage      = "page"
	EventSegment   = "segment"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Notifier receives run progress events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
