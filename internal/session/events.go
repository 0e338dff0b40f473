package session

import (
	"sync"
	"time"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventTurnStart       EventType = "turn_start"
	EventChunk           EventType = "chunk"
	EventTurnComplete    EventType = "turn_complete"
	EventTurnFailed      EventType = "turn_failed"
	EventAutoSaveFailed  EventType = "autosave_failed"
	EventBudgetViolation EventType = "budget_violation"
)

// Event carries one lifecycle notification.
type Event struct {
	Type           EventType
	Timestamp      time.Time
	ConversationID string
	Data           map[string]interface{}
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus fans session lifecycle events out to subscribers. The command
// layer and the TUI subscribe for live status without coupling to the
// orchestrator internals.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers. Handlers run on the
// publishing goroutine and must not block.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}

// publish is the orchestrator-side convenience wrapper.
func (eb *EventBus) publish(eventType EventType, conversationID string, data map[string]interface{}) {
	eb.Publish(Event{
		Type:           eventType,
		ConversationID: conversationID,
		Data:           data,
	})
}
