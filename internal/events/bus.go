package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event represents a system event. TerminalID identifies the originating
// bridge or pipe client when the event came off a transport; it is empty for
// purely internal events.
type Event struct {
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	TerminalID string                 `json:"terminalId,omitempty"`
	Module     string                 `json:"module"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Handler receives events. Handlers must not block; slow consumers should
// buffer on their side.
type Handler func(event *Event)

// Bus is an in-process publish/subscribe event bus. Listener panics are
// recovered and logged so a misbehaving consumer can never take down the
// emitting receive loop.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]Handler
	allHandlers map[int]Handler
	nextAllID   int
	log         zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[EventType][]Handler),
		allHandlers: make(map[int]Handler),
		log:         log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type. The returned cancel
// function removes the handler; streaming endpoints subscribe per connection
// and must cancel on disconnect or the handler outlives the client.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	id := b.nextAllID
	b.nextAllID++
	b.allHandlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.allHandlers, id)
		b.mu.Unlock()
	}
}

// Emit publishes an event to all matching handlers synchronously.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	b.EmitEvent(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	})
}

// EmitForTerminal publishes an event carrying a terminal ID.
func (b *Bus) EmitForTerminal(eventType EventType, module, terminalID string, data map[string]interface{}) {
	b.EmitEvent(&Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		TerminalID: terminalID,
		Module:     module,
		Data:       data,
	})
}

// EmitEvent publishes a pre-built event.
func (b *Bus) EmitEvent(event *Event) {
	b.mu.RLock()
	specific := make([]Handler, len(b.handlers[event.Type]))
	copy(specific, b.handlers[event.Type])
	all := make([]Handler, 0, len(b.allHandlers))
	for _, h := range b.allHandlers {
		all = append(all, h)
	}
	b.mu.RUnlock()

	for _, h := range specific {
		b.safeCall(h, event)
	}
	for _, h := range all {
		b.safeCall(h, event)
	}
}

// safeCall invokes a handler, recovering and logging any panic.
func (b *Bus) safeCall(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
