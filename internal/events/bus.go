package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus implements an asynchronous publish-subscribe event system.
// Emit never blocks the publisher: plain subscribers run in their own
// goroutine per event, ordered subscribers drain a bounded mailbox.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
	// mailbox is set for ordered subscribers.
	mailbox *mailbox
}

type mailbox struct {
	name  string
	queue chan queued
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeOrdered registers one handler for several event types. Events are
// delivered to it sequentially, in emit order, from a mailbox holding up to
// buffer events. When the mailbox is full new events are dropped and logged.
func (eb *EventBus) SubscribeOrdered(eventTypes []EventType, name string, buffer int, handler HandlerFunc) {
	if buffer < 1 {
		buffer = 1
	}
	mb := &mailbox{name: name, queue: make(chan queued, buffer)}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	// A stopped bus delivers nothing, so no drain goroutine is needed.
	if eb.stopped {
		return
	}

	for _, et := range eventTypes {
		eb.handlers[et] = append(eb.handlers[et], handlerEntry{
			name:    name,
			handler: handler,
			mailbox: mb,
		})
	}

	eb.wg.Add(1)
	go eb.drain(mb, handler)

	log.Debug().
		Int("events", len(eventTypes)).
		Str("handler", name).
		Int("buffer", buffer).
		Msg("subscribed ordered handler")
}

func (eb *EventBus) drain(mb *mailbox, handler HandlerFunc) {
	defer eb.wg.Done()
	for {
		select {
		case q := <-mb.queue:
			eb.invoke(q.ctx, q.event, mb.name, handler)
		case <-eb.stopCh:
			// Deliver what is already queued, then exit.
			for {
				select {
				case q := <-mb.queue:
					eb.invoke(q.ctx, q.event, mb.name, handler)
				default:
					return
				}
			}
		}
	}
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit publishes an event to all subscribed handlers asynchronously.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	direct := eb.route(ctx, event, true)

	for _, h := range direct {
		h := h
		go func() {
			defer eb.wg.Done()
			eb.invoke(ctx, event, h.name, h.handler)
		}()
	}
}

// EmitSync publishes an event and waits for all plain handlers to complete.
// Ordered subscribers still receive the event through their mailbox.
// Returns the first error in subscription order, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	direct := eb.route(ctx, event, false)
	if len(direct) == 0 {
		return nil
	}

	errs := make([]error, len(direct))
	var wg sync.WaitGroup
	for i, h := range direct {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = eb.invoke(ctx, event, h.name, h.handler)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// route queues the event for ordered subscribers and returns the plain
// handlers the caller must run. Nothing is delivered after Stop. With track
// set, the returned handlers are already counted in eb.wg, under the same
// lock Stop takes, so Stop waits for them.
func (eb *EventBus) route(ctx context.Context, event Event, track bool) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped || len(eb.handlers[event.Type]) == 0 {
		return nil
	}
	handlers := eb.handlers[event.Type]

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	direct := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.mailbox == nil {
			direct = append(direct, h)
			continue
		}
		select {
		case h.mailbox.queue <- queued{ctx: ctx, event: event}:
		default:
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Msg("subscriber mailbox full, event dropped")
		}
	}
	if track {
		eb.wg.Add(len(direct))
	}
	return direct
}

// invoke runs a handler and logs its error. A panicking handler is logged
// and treated as having succeeded.
func (eb *EventBus) invoke(ctx context.Context, event Event, name string, handler HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", name).
				Interface("panic", r).
				Msg("handler panicked")
			err = nil
		}
	}()

	if err = handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", name).
			Msg("handler returned error")
	}
	return err
}

// Stop signals the EventBus to stop accepting new events and waits
// for all in-flight handlers to complete.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
