package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/towerconf/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher logs engine events and fans them out to subscribers. It
// satisfies engine.EventPublisher. Delivery is synchronous so subscribers
// see events in publish order.
type EventPublisher struct {
	logger      zerolog.Logger
	subscribers []subscriberEntry
	history     []engine.Event
	mu          sync.Mutex
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher that logs every event at debug
// level, warnings and errors at their own level.
func NewEventPublisher(logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{logger: logger}
}

// Publish records the event and delivers it to matching subscribers.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	ep.log(e)

	ep.mu.Lock()
	ep.history = append(ep.history, e)
	subs := make([]subscriberEntry, len(ep.subscribers))
	copy(subs, ep.subscribers)
	ep.mu.Unlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(e) {
			continue
		}
		entry.subscriber(e)
	}
	return nil
}

func (ep *EventPublisher) log(e engine.Event) {
	var evt *zerolog.Event
	switch e.Level {
	case EventLevelError:
		evt = ep.logger.Error()
	case EventLevelWarning:
		evt = ep.logger.Warn()
	default:
		evt = ep.logger.Debug()
	}
	evt = evt.Str("type", string(e.Type)).Str("run_id", e.RunID)
	if e.PlanUnitID != "" {
		evt = evt.Str("unit", e.PlanUnitID)
	}
	if len(e.Details) > 0 {
		evt = evt.Fields(e.Details)
	}
	evt.Msg(e.Message)
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Events returns a copy of everything published so far.
func (ep *EventPublisher) Events() []engine.Event {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]engine.Event, len(ep.history))
	copy(out, ep.history)
	return out
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}
