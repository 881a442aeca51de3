package stores

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// EventLog persists engine run events to the store. Failures to write an
// event are logged and swallowed: history is best-effort and must never fail
// a run.
type EventLog struct {
	store Store
	log   zerolog.Logger
}

// NewEventLog creates an event sink backed by the store.
func NewEventLog(store Store, log zerolog.Logger) *EventLog {
	return &EventLog{store: store, log: log}
}

// Publish implements engine.EventSink.
func (l *EventLog) Publish(ctx context.Context, event engine.Event) {
	err := l.store.AppendEvent(ctx, &Event{
		RunID:     event.RunID,
		Node:      event.Node,
		Type:      event.Type,
		Level:     event.Level,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		l.log.Warn().Err(err).Str("type", event.Type).Msg("dropping run event")
	}
}
