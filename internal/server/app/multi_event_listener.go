package app

import (
	"relay/internal/logging"
	"relay/internal/server/ports"
)

// MultiEventListener fans out events to multiple listeners.
type MultiEventListener struct {
	listeners []ports.EventListener
}

// NewMultiEventListener creates a listener that forwards events to all provided listeners.
func NewMultiEventListener(listeners ...ports.EventListener) *MultiEventListener {
	return &MultiEventListener{listeners: listeners}
}

// OnEvent implements ports.EventListener.
func (m *MultiEventListener) OnEvent(sessionID string, event ports.Event) {
	for _, l := range m.listeners {
		if l != nil {
			l.OnEvent(sessionID, event)
		}
	}
}

// EventLogListener logs every event it observes. Composed with the
// broadcaster at the process root, it leaves an operator-readable trail of
// task lifecycle events independent of subscriber delivery.
type EventLogListener struct {
	logger logging.Logger
}

// NewEventLogListener creates a listener logging at info level.
func NewEventLogListener(logger logging.Logger) *EventLogListener {
	return &EventLogListener{logger: logging.OrNop(logger)}
}

// OnEvent implements ports.EventListener.
func (l *EventLogListener) OnEvent(sessionID string, event ports.Event) {
	l.logger.Info("event: session=%s type=%s id=%s bytes=%d", sessionID, event.Type, event.ID, len(event.Data))
}
