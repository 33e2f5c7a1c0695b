package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/async"
	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/observability"
	"relay/internal/server/ports"
)

// EventBroadcaster is the public surface of the event core: it multiplexes
// many producers into many per-session subscriber queues under fixed memory
// bounds. Producers never block; slow consumers lose their own oldest frames
// and nothing else.
//
// A broadcaster is an explicitly constructed, explicitly owned instance:
// construct it at process start, call Shutdown at stop. Tests instantiate
// independent copies freely.
type EventBroadcaster struct {
	cfg      config.Broadcaster
	registry *sessionRegistry
	history  *historyStore
	renderer *frameRenderer
	logger   logging.Logger
	metrics  *observability.Metrics

	eventsBroadcast atomic.Int64
	eventsDropped   atomic.Int64
	cleanupRuns     atomic.Int64
	expiredEvents   atomic.Int64
	estimatedMemory atomic.Int64

	startedAt     time.Time
	cleanupCancel context.CancelFunc
	closed        atomic.Bool
	shutdownOnce  sync.Once
}

// BroadcasterOption configures optional collaborators.
type BroadcasterOption func(*EventBroadcaster)

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) BroadcasterOption {
	return func(b *EventBroadcaster) {
		b.logger = logging.OrNop(logger)
	}
}

// WithMetrics attaches the otel metrics collector. A nil collector is valid
// and records nothing.
func WithMetrics(metrics *observability.Metrics) BroadcasterOption {
	return func(b *EventBroadcaster) {
		b.metrics = metrics
	}
}

// NewEventBroadcaster creates a broadcaster and starts its cleanup cycle.
// The configuration must already be validated; see config.Validate.
func NewEventBroadcaster(cfg config.Broadcaster, opts ...BroadcasterOption) *EventBroadcaster {
	b := &EventBroadcaster{
		cfg:       cfg,
		history:   newHistoryStore(cfg.MaxHistoryPerSession, cfg.EventTTL),
		renderer:  newFrameRenderer(),
		logger:    logging.NewComponentLogger("EventBroadcaster"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.registry = newSessionRegistry(cfg.MaxQueueSize, b.logger)

	cleanupCtx, cancel := context.WithCancel(context.Background())
	b.cleanupCancel = cancel
	async.Loop(cleanupCtx, b.logger, "broadcaster.cleanup", cfg.CleanupInterval, b.runCleanup)

	return b
}

// OnEvent implements ports.EventListener.
func (b *EventBroadcaster) OnEvent(sessionID string, event ports.Event) {
	b.Broadcast(sessionID, event)
}

// Broadcast records the event into the session's history, formats it once,
// and best-effort-pushes the frame into every registered queue. It never
// blocks and never fails the producer, regardless of subscriber count.
func (b *EventBroadcaster) Broadcast(sessionID string, event ports.Event) {
	if b.closed.Load() {
		b.logger.Debug("broadcast after shutdown dropped: session=%s type=%s", sessionID, event.Type)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Record and fanout run inside the registry's critical section so a
	// concurrently registering subscriber sees the event exactly once, in
	// either its replay or its queue.
	delivered, dropped := b.registry.Fanout(sessionID, func() string {
		b.history.Record(sessionID, event)
		return b.renderer.Render(sessionID, event)
	})

	b.eventsBroadcast.Add(1)
	b.metrics.RecordBroadcast(context.Background())
	if dropped > 0 {
		b.eventsDropped.Add(int64(dropped))
		b.metrics.RecordDropped(context.Background(), int64(dropped))
		b.logger.Warn("queue overflow: session=%s type=%s evicted=%d", sessionID, event.Type, dropped)
	}
	b.logger.Debug("broadcast: session=%s type=%s delivered=%d", sessionID, event.Type, delivered)
}

// Subscription is a scoped stream of wire frames for one subscriber. Close
// must run on every exit path; it unregisters and closes the queue and is
// safe to call more than once.
type Subscription struct {
	sessionID   string
	queue       *subscriberQueue
	broadcaster *EventBroadcaster
	closeOnce   sync.Once
}

// Next returns the next frame. Idle periods yield keepalive frames; after
// Close, Shutdown, or ctx cancellation it returns more=false.
func (s *Subscription) Next(ctx context.Context) (frame string, more bool) {
	return s.queue.Pop(ctx, s.broadcaster.cfg.MaxSubscriberIdleTime)
}

// Close unregisters the subscriber. Idempotent. The active-subscriber gauge
// is decremented by the queue's close hook, which also covers queues torn
// down by cleanup or shutdown.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broadcaster.registry.RemoveSubscriber(s.sessionID, s.queue)
	})
}

// SessionID returns the session this subscription is attached to.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Dropped returns how many frames this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 {
	return s.queue.Dropped()
}

// Subscribe registers a queue for the session and seeds it with replayed
// history, atomically with respect to concurrent broadcasts. The caller owns
// the returned subscription and must Close it.
func (b *EventBroadcaster) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The replay read runs under the registry lock, serialized against
	// Fanout's record callback; whatever history it misses arrives live.
	queue := b.registry.AddSubscriber(sessionID, func() []string {
		replayed := b.history.Replay(sessionID)
		frames := make([]string, len(replayed))
		for i, event := range replayed {
			frames[i] = b.renderer.Render(sessionID, event)
		}
		return frames
	}, func() {
		b.metrics.SubscriberDisconnected(context.Background())
	})
	b.metrics.SubscriberConnected(context.Background())

	return &Subscription{
		sessionID:   sessionID,
		queue:       queue,
		broadcaster: b,
	}, nil
}

// WaitForSubscriber blocks until the session has a subscriber or the timeout
// elapses, reporting which. Producers use it before emitting a first event
// that must not be missed.
func (b *EventBroadcaster) WaitForSubscriber(ctx context.Context, sessionID string, timeout time.Duration) bool {
	if b.closed.Load() {
		return false
	}
	return b.registry.WaitForSubscriber(ctx, sessionID, timeout)
}

// RegisterTask associates a cancellable unit of work with the session,
// superseding and cancelling any previous task. The superseded task's
// teardown is awaited outside the registry lock.
func (b *EventBroadcaster) RegisterTask(ctx context.Context, sessionID string, handle *ports.TaskHandle) error {
	if b.closed.Load() {
		return ErrShutdown
	}
	b.registry.RegisterTask(ctx, sessionID, handle)
	return nil
}

// ClearTask drops the session's task association if it still points at the
// given handle.
func (b *EventBroadcaster) ClearTask(sessionID string, handle *ports.TaskHandle) {
	b.registry.ClearTask(sessionID, handle)
}

// SessionTaskStatus reports the session's current task id and whether it is
// still running.
func (b *EventBroadcaster) SessionTaskStatus(sessionID string) (taskID string, running bool) {
	handle := b.registry.TaskHandle(sessionID)
	if handle == nil {
		return "", false
	}
	return handle.ID, taskRunning(handle)
}

// CancelSessionTasks cancels and clears the session's task association,
// reporting whether one existed.
func (b *EventBroadcaster) CancelSessionTasks(ctx context.Context, sessionID string) bool {
	return b.registry.CancelSessionTask(ctx, sessionID)
}

// GetEventHistory returns up to limit of the session's most recent events,
// oldest-first. A non-positive limit returns everything retained.
func (b *EventBroadcaster) GetEventHistory(sessionID string, limit int) []ports.Event {
	history := b.history.Replay(sessionID)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// ClearSession tears down one session: cancels its task, closes its queues,
// and drops its history.
func (b *EventBroadcaster) ClearSession(ctx context.Context, sessionID string) {
	b.registry.CancelSessionTask(ctx, sessionID)
	for _, q := range b.registry.RemoveSession(sessionID) {
		q.Close()
	}
	removed := b.history.Clear(sessionID)
	b.logger.Info("session cleared: %s (history=%d)", sessionID, removed)
}

// Stats is a point-in-time, non-authoritative snapshot.
type Stats struct {
	Sessions             int           `json:"sessions"`
	Subscribers          int           `json:"subscribers"`
	EventsBroadcast      int64         `json:"events_broadcast"`
	EventsDropped        int64         `json:"events_dropped"`
	CleanupRuns          int64         `json:"cleanup_runs"`
	ExpiredEvents        int64         `json:"expired_events"`
	EstimatedMemoryBytes int64         `json:"estimated_memory_bytes"`
	Uptime               time.Duration `json:"uptime_ns"`
}

// GetStats returns current broadcaster statistics.
func (b *EventBroadcaster) GetStats() Stats {
	sessions, subscribers := b.registry.Counts()
	return Stats{
		Sessions:             sessions,
		Subscribers:          subscribers,
		EventsBroadcast:      b.eventsBroadcast.Load(),
		EventsDropped:        b.eventsDropped.Load(),
		CleanupRuns:          b.cleanupRuns.Load(),
		ExpiredEvents:        b.expiredEvents.Load(),
		EstimatedMemoryBytes: b.estimatedMemory.Load(),
		Uptime:               time.Since(b.startedAt),
	}
}

// runCleanup is one cycle of the periodic maintenance loop: expire stale
// history, reap dead consumers, expire idle sessions, recompute memory.
func (b *EventBroadcaster) runCleanup(ctx context.Context) {
	now := time.Now()

	expired := b.history.Expire(now)
	if expired > 0 {
		b.expiredEvents.Add(int64(expired))
		b.metrics.RecordExpired(ctx, int64(expired))
	}

	// Dead-consumer backstop: a live consumer pops at least once per idle
	// window (keepalives count), so a queue unconsumed for a whole session
	// TTL has lost its consumer.
	stale := b.registry.CollectStale(now, b.cfg.SessionTTL)
	for _, q := range stale {
		q.Close()
	}
	if len(stale) > 0 {
		b.logger.Warn("closed %d stale subscriber queues", len(stale))
	}

	for _, dead := range b.registry.CollectExpired(now, b.cfg.SessionTTL) {
		for _, q := range dead.queues {
			q.Close()
		}
		if dead.task != nil {
			dead.task.Cancel(context.Canceled)
			awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = dead.task.Await(awaitCtx)
			cancel()
		}
		b.history.Clear(dead.id)
		b.logger.Info("session expired: %s", dead.id)
	}

	b.recomputeMemory(ctx)
	b.cleanupRuns.Add(1)
	b.metrics.RecordCleanupRun(ctx)
}

func (b *EventBroadcaster) recomputeMemory(ctx context.Context) {
	estimate := b.history.EstimatedBytes() + b.registry.QueuedBytes()
	b.estimatedMemory.Store(estimate)
	b.metrics.SetEstimatedMemory(estimate)

	sessions, _ := b.registry.Counts()
	b.metrics.SetSessions(int64(sessions))

	switch {
	case b.cfg.MemoryCriticalThreshold > 0 && estimate >= b.cfg.MemoryCriticalThreshold:
		b.logger.Error("estimated memory %d bytes above critical threshold %d", estimate, b.cfg.MemoryCriticalThreshold)
	case b.cfg.MemoryWarningThreshold > 0 && estimate >= b.cfg.MemoryWarningThreshold:
		b.logger.Warn("estimated memory %d bytes above warning threshold %d", estimate, b.cfg.MemoryWarningThreshold)
	}
}

// Shutdown stops the cleanup cycle, cancels every outstanding task, closes
// every queue, and marks the broadcaster inert. Idempotent.
func (b *EventBroadcaster) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.closed.Store(true)
		b.cleanupCancel()

		queues, tasks := b.registry.Drain()
		for _, handle := range tasks {
			handle.Cancel(context.Canceled)
		}
		for _, handle := range tasks {
			awaitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = handle.Await(awaitCtx)
			cancel()
		}
		for _, q := range queues {
			q.Close()
		}

		b.logger.Info("broadcaster shut down: closed %d queues, cancelled %d tasks", len(queues), len(tasks))
	})
}
