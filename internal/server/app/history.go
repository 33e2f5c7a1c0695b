package app

import (
	"sync"
	"time"

	"relay/internal/server/ports"
)

// historyStore keeps a bounded, TTL'd event history per session so producers
// and consumers stay temporally decoupled: broadcasting succeeds with zero
// subscribers, and a subscriber connecting later still sees recent events.
type historyStore struct {
	mu       sync.RWMutex
	sessions map[string][]ports.Event

	maxPerSession int
	eventTTL      time.Duration
}

func newHistoryStore(maxPerSession int, eventTTL time.Duration) *historyStore {
	return &historyStore{
		sessions:      make(map[string][]ports.Event),
		maxPerSession: maxPerSession,
		eventTTL:      eventTTL,
	}
}

// Record appends an event, evicting the oldest entry once the session's
// history exceeds its bound. Subscriber presence is irrelevant here.
func (h *historyStore) Record(sessionID string, event ports.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	history := append(h.sessions[sessionID], event)
	if len(history) > h.maxPerSession {
		history = history[len(history)-h.maxPerSession:]
	}
	h.sessions[sessionID] = history
}

// Replay returns the session's events newer than the TTL, oldest-first. The
// returned slice is a copy; concurrent replays by multiple new subscribers
// are safe.
func (h *historyStore) Replay(sessionID string) []ports.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	history := h.sessions[sessionID]
	if len(history) == 0 {
		return nil
	}

	cutoff := time.Now().Add(-h.eventTTL)
	start := 0
	for start < len(history) && history[start].Timestamp.Before(cutoff) {
		start++
	}
	if start == len(history) {
		return nil
	}

	out := make([]ports.Event, len(history)-start)
	copy(out, history[start:])
	return out
}

// Expire drops entries older than the TTL across all sessions and removes
// empty session histories, returning the number of events removed.
func (h *historyStore) Expire(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-h.eventTTL)
	removed := 0
	for sessionID, history := range h.sessions {
		start := 0
		for start < len(history) && history[start].Timestamp.Before(cutoff) {
			start++
		}
		if start == 0 {
			continue
		}
		removed += start
		if start == len(history) {
			delete(h.sessions, sessionID)
			continue
		}
		trimmed := make([]ports.Event, len(history)-start)
		copy(trimmed, history[start:])
		h.sessions[sessionID] = trimmed
	}
	return removed
}

// Clear removes a session's entire history, returning how many events it held.
func (h *historyStore) Clear(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.sessions[sessionID])
	delete(h.sessions, sessionID)
	return n
}

// Sessions returns the ids of sessions that currently hold history.
func (h *historyStore) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// EstimatedBytes sums the approximate footprint of all retained events.
func (h *historyStore) EstimatedBytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var total int64
	for _, history := range h.sessions {
		for _, event := range history {
			total += int64(event.Size())
		}
	}
	return total
}
