// Package event is the in-process bus scan and media events travel on.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies a category of event.
type Type string

// Known event types.
const (
	ScanStarted   Type = "scan.started"
	ScanCompleted Type = "scan.completed"
	ScanCancelled Type = "scan.cancelled"
	ScanFailed    Type = "scan.failed"
	MediaArchived Type = "media.archived"
	MediaTrashed  Type = "media.trashed"
	MediaRestored Type = "media.restored"
	MediaDeleted  Type = "media.deleted"
	MediaFlagged  Type = "media.flagged"
	BulkAction    Type = "bulk.action"
)

// Types lists every known event type in a stable order.
func Types() []Type {
	return []Type{
		ScanStarted, ScanCompleted, ScanCancelled, ScanFailed,
		MediaArchived, MediaTrashed, MediaRestored, MediaDeleted, MediaFlagged,
		BulkAction,
	}
}

// Valid reports whether t is a known event type.
func Valid(t Type) bool {
	for _, k := range Types() {
		if k == t {
			return true
		}
	}
	return false
}

// Event represents something that happened in the system.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler processes an event.
type Handler func(Event)

// Bus dispatches events to subscribers from a single goroutine fed by a
// buffered channel. A nil *Bus accepts and drops every event.
type Bus struct {
	ch      chan Event
	mu      sync.RWMutex
	subs    map[Type][]Handler
	all     []Handler
	logger  *slog.Logger
	done    chan struct{}
	stopped bool
}

// NewBus creates an event bus with the given buffer size.
func NewBus(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		ch:     make(chan Event, bufSize),
		subs:   make(map[Type][]Handler),
		logger: logger.With(slog.String("component", "event-bus")),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish queues an event. It never blocks; when the buffer is full the
// event is dropped with a warning.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case b.ch <- e:
	default:
		b.logger.Warn("event bus full, dropping event", "type", string(e.Type))
	}
}

// PublishSync dispatches an event on the caller's goroutine and returns
// once every subscriber has run.
func (b *Bus) PublishSync(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.dispatch(e)
}

// Start drains the channel and dispatches events until Stop is called.
// Call it in a goroutine.
func (b *Bus) Start() {
	for {
		select {
		case e := <-b.ch:
			b.dispatch(e)
		case <-b.done:
			for {
				select {
				case e := <-b.ch:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

// Stop makes Start return after draining buffered events.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.done)
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.subs[e.Type]...), b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "type", string(e.Type), "panic", r)
				}
			}()
			h(e)
		}()
	}
}
