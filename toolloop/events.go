package toolloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventRunStart      EventKind = "run_start"
	EventRunEnd        EventKind = "run_end"
	EventCompletion    EventKind = "completion"
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallEnd   EventKind = "tool_call_end"
	EventRoundLimit    EventKind = "round_limit"
	EventLoopDetection EventKind = "loop_detection"
	EventError         EventKind = "error"
)

// Event is a typed event emitted by the runner.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter delivers events to the host application via a channel.
type Emitter struct {
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewEmitter creates an Emitter with a buffered channel.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{ch: make(chan Event, bufferSize)}
}

// Emit sends an event. Events are dropped when the emitter is closed or the
// channel is full; the runner never blocks on a slow reader.
func (e *Emitter) Emit(runID string, kind EventKind, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- Event{Kind: kind, Timestamp: time.Now(), RunID: runID, Data: data}:
	default:
	}
}

// Events returns the read-only event channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
