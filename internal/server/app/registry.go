package app

import (
	"context"
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

// session is one registry record: identity, activity, subscriber queues and
// the at-most-one owned task.
type session struct {
	id           string
	createdAt    time.Time
	lastActivity time.Time

	queues []*subscriberQueue
	task   *ports.TaskHandle

	// arrival is closed when a subscriber registers, waking WaitForSubscriber
	// callers. Lazily created, nil when nobody is waiting.
	arrival chan struct{}
}

// sessionRegistry serializes all session and task bookkeeping behind one
// mutex. The cardinal rule: nothing suspends while the lock is held. Queue
// closes, task cancellation and cancellation awaits all happen after the
// lock is released, on handles captured under it.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session

	queueCapacity int
	logger        logging.Logger
}

func newSessionRegistry(queueCapacity int, logger logging.Logger) *sessionRegistry {
	return &sessionRegistry{
		sessions:      make(map[string]*session),
		queueCapacity: queueCapacity,
		logger:        logging.OrNop(logger),
	}
}

// ensureLocked returns the session record, creating it on first touch.
// Callers must hold r.mu.
func (r *sessionRegistry) ensureLocked(sessionID string, now time.Time) *session {
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, createdAt: now}
		r.sessions[sessionID] = s
		r.logger.Debug("session created: %s", sessionID)
	}
	s.lastActivity = now
	return s
}

// Touch idempotently creates the session and refreshes its activity time.
func (r *sessionRegistry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(sessionID, time.Now())
}

// AddSubscriber registers a new queue under the session, seeds it with the
// frames the replay callback produces, and signals any WaitForSubscriber
// callers. The onClosed hook fires once when the queue closes, on whichever
// path closes it.
//
// The replay callback runs inside the same critical section as Fanout's
// record callback, so a concurrent broadcast is either fully in the replay or
// fully delivered live -- never lost in between, never duplicated. Seeding is
// plain Push calls, which never block, so holding the lock here is safe; a
// producer polling WaitForSubscriber observes the queue as soon as this
// returns.
func (r *sessionRegistry) AddSubscriber(sessionID string, replay func() []string, onClosed func()) *subscriberQueue {
	q := newSubscriberQueue(r.queueCapacity, onClosed)

	r.mu.Lock()
	s := r.ensureLocked(sessionID, time.Now())
	replayed := 0
	if replay != nil {
		frames := replay()
		for _, frame := range frames {
			q.Push(frame)
		}
		replayed = len(frames)
	}
	s.queues = append(s.queues, q)
	if s.arrival != nil {
		close(s.arrival)
		s.arrival = nil
	}
	total := len(s.queues)
	r.mu.Unlock()

	r.logger.Info("subscriber registered: session=%s subscribers=%d replayed=%d", sessionID, total, replayed)
	return q
}

// RemoveSubscriber unregisters and closes a queue. Removing a queue twice is
// a no-op; the close itself happens outside the lock.
func (r *sessionRegistry) RemoveSubscriber(sessionID string, q *subscriberQueue) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	removed := false
	if ok {
		for i, existing := range s.queues {
			if existing == q {
				s.queues = append(s.queues[:i], s.queues[i+1:]...)
				removed = true
				break
			}
		}
		s.lastActivity = time.Now()
	}
	remaining := 0
	if ok {
		remaining = len(s.queues)
	}
	r.mu.Unlock()

	if removed {
		q.Close()
		r.logger.Info("subscriber unregistered: session=%s remaining=%d", sessionID, remaining)
	}
}

// Fanout invokes the record callback to produce the frame, pushes it into
// every queue registered for the session, and marks the session active. The
// callback records into history and renders; running it under the lock makes
// record-plus-fanout atomic with respect to AddSubscriber's replay, closing
// the window where an event lands in neither the replay nor the queue. Push
// never blocks, so the whole operation is lock-safe. Returns how many queues
// took the frame and how many evictions occurred.
func (r *sessionRegistry) Fanout(sessionID string, record func() string) (delivered int, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.ensureLocked(sessionID, time.Now())
	frame := record()
	for _, q := range s.queues {
		before := q.Dropped()
		q.Push(frame)
		dropped += int(q.Dropped() - before)
		delivered++
	}
	return delivered, dropped
}

// RegisterTask associates a task handle with the session, superseding any
// previous one. The swap happens under the lock; cancelling the superseded
// task and awaiting its goroutine happen strictly after the lock is released,
// so a registration arriving concurrently is never blocked behind the old
// task's teardown.
func (r *sessionRegistry) RegisterTask(ctx context.Context, sessionID string, handle *ports.TaskHandle) {
	r.mu.Lock()
	s := r.ensureLocked(sessionID, time.Now())
	superseded := s.task
	s.task = handle
	r.mu.Unlock()

	if superseded == nil {
		return
	}

	r.logger.Info("task superseded: session=%s old=%s new=%s", sessionID, superseded.ID, handle.ID)
	superseded.Cancel(errTaskSuperseded)
	if err := superseded.Await(ctx); err != nil {
		r.logger.Warn("superseded task %s did not unwind before ctx expired: %v", superseded.ID, err)
	}
}

// ClearTask drops the session's task association if it still points at the
// given handle. Called by the task goroutine on exit.
func (r *sessionRegistry) ClearTask(sessionID string, handle *ports.TaskHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.task != handle {
		return
	}
	s.task = nil
	s.lastActivity = time.Now()
}

// TaskHandle returns the session's current task handle, or nil.
func (r *sessionRegistry) TaskHandle(sessionID string) *ports.TaskHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.task
}

// CancelSessionTask cancels and clears the session's task, awaiting the
// goroutine outside the lock. Used on teardown.
func (r *sessionRegistry) CancelSessionTask(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	var handle *ports.TaskHandle
	if s, ok := r.sessions[sessionID]; ok {
		handle = s.task
		s.task = nil
	}
	r.mu.Unlock()

	if handle == nil {
		return false
	}
	handle.Cancel(context.Canceled)
	if err := handle.Await(ctx); err != nil {
		r.logger.Warn("cancelled task %s did not unwind before ctx expired: %v", handle.ID, err)
	}
	return true
}

// WaitForSubscriber blocks until the session has at least one subscriber or
// the timeout elapses. Producers call this before emitting a first event that
// must not be missed, closing the connect-before-broadcast race.
func (r *sessionRegistry) WaitForSubscriber(ctx context.Context, sessionID string, timeout time.Duration) bool {
	r.mu.Lock()
	s := r.ensureLocked(sessionID, time.Now())
	if len(s.queues) > 0 {
		r.mu.Unlock()
		return true
	}
	if s.arrival == nil {
		s.arrival = make(chan struct{})
	}
	arrival := s.arrival
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-arrival:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// expiredSession carries everything cleanup must tear down after the lock is
// released.
type expiredSession struct {
	id     string
	queues []*subscriberQueue
	task   *ports.TaskHandle
}

// CollectExpired removes sessions idle past the TTL and returns their
// resources for teardown. A session with live subscribers or a running task
// is never expired; the caller closes queues and cancels tasks outside the
// lock.
func (r *sessionRegistry) CollectExpired(now time.Time, sessionTTL time.Duration) []expiredSession {
	cutoff := now.Add(-sessionTTL)

	r.mu.Lock()
	var expired []expiredSession
	for id, s := range r.sessions {
		if len(s.queues) > 0 || taskRunning(s.task) {
			continue
		}
		if s.lastActivity.After(cutoff) {
			continue
		}
		expired = append(expired, expiredSession{id: id, queues: s.queues, task: s.task})
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	return expired
}

// CollectStale returns queues whose consumer stopped popping long enough ago
// to be presumed dead, unregistering them in the same pass. Keepalive pops
// refresh the consumed time, so only a truly vanished consumer goes stale.
func (r *sessionRegistry) CollectStale(now time.Time, staleAfter time.Duration) []*subscriberQueue {
	cutoff := now.Add(-staleAfter)

	r.mu.Lock()
	var stale []*subscriberQueue
	for _, s := range r.sessions {
		kept := s.queues[:0]
		for _, q := range s.queues {
			if q.LastConsumed().Before(cutoff) {
				stale = append(stale, q)
				continue
			}
			kept = append(kept, q)
		}
		s.queues = kept
	}
	r.mu.Unlock()

	return stale
}

// RemoveSession unconditionally unregisters one session and returns its
// queues for the caller to close outside the lock.
func (r *sessionRegistry) RemoveSession(sessionID string) []*subscriberQueue {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.queues
}

// Drain empties the registry for shutdown, returning every queue and task so
// the caller can tear them down outside the lock.
func (r *sessionRegistry) Drain() ([]*subscriberQueue, []*ports.TaskHandle) {
	r.mu.Lock()
	var queues []*subscriberQueue
	var tasks []*ports.TaskHandle
	for _, s := range r.sessions {
		queues = append(queues, s.queues...)
		if s.task != nil {
			tasks = append(tasks, s.task)
		}
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	return queues, tasks
}

// Counts reports sessions and live subscribers.
func (r *sessionRegistry) Counts() (sessions int, subscribers int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions = len(r.sessions)
	for _, s := range r.sessions {
		subscribers += len(s.queues)
	}
	return sessions, subscribers
}

// QueuedBytes sums the buffered frame bytes across all queues.
func (r *sessionRegistry) QueuedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, s := range r.sessions {
		for _, q := range s.queues {
			total += q.BufferedBytes()
		}
	}
	return total
}

func taskRunning(handle *ports.TaskHandle) bool {
	if handle == nil || handle.Done == nil {
		return false
	}
	select {
	case <-handle.Done:
		return false
	default:
		return true
	}
}
