package service

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter — decouples services from whoever is listening
// ─────────────────────────────────────────────────────────────

// Events emitted by RebuildService.
const (
	EventState     = "rebuild:state"
	EventProgress  = "rebuild:progress"
	EventCompleted = "rebuild:completed"
)

// EventEmitter receives lifecycle events of runs. The CLI logs them; a
// long-running host could forward them to its own clients.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes events to the logger. Progress is logged at debug level.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, event string, data any) {
	entry := log.WithFields(log.Fields{"event": event, "data": data})
	if event == EventProgress {
		entry.Debug("event")
		return
	}
	entry.Info("event")
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Named returns the recorded events with the given name.
func (m *MockEmitter) Named(event string) []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EmittedEvent
	for _, e := range m.Events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
