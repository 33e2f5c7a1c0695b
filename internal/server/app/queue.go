package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberQueue is a fixed-capacity, closable queue of pre-formatted SSE
// frames. Exactly one consumer drains it and only the broadcaster produces
// into it.
//
// Push never blocks: on overflow the oldest frame is evicted and counted so a
// slow consumer can only ever cost itself data, never stall a producer. Pop
// suspends until a frame arrives, the queue closes, or the idle timeout
// elapses, in which case a keepalive frame is synthesized instead of an error.
type subscriberQueue struct {
	mu     sync.Mutex
	frames chan string
	closed bool

	dropped  atomic.Int64
	buffered atomic.Int64 // bytes currently buffered
	lastPop  atomic.Int64 // unix nanos of the most recent Pop return
	onClosed func()
}

func newSubscriberQueue(capacity int, onClosed func()) *subscriberQueue {
	q := &subscriberQueue{
		frames:   make(chan string, capacity),
		onClosed: onClosed,
	}
	q.lastPop.Store(time.Now().UnixNano())
	return q
}

// Push enqueues a frame without blocking. When the queue is full the oldest
// frame is discarded to make room and the overflow counter increments. Pushes
// after Close are no-ops.
func (q *subscriberQueue) Push(frame string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	select {
	case q.frames <- frame:
		q.buffered.Add(int64(len(frame)))
		return
	default:
	}

	// Full: evict the oldest entry, then retry. The consumer may have drained
	// concurrently, in which case the eviction select falls through and the
	// second send succeeds without losing anything -- still counted, since the
	// queue was observed full.
	q.dropped.Add(1)
	select {
	case old := <-q.frames:
		q.buffered.Add(-int64(len(old)))
	default:
	}
	select {
	case q.frames <- frame:
		q.buffered.Add(int64(len(frame)))
	default:
	}
}

// Pop returns the next frame. On idle timeout it returns a keepalive frame
// with more=true; when the queue is closed and drained, or ctx is cancelled,
// it returns more=false.
func (q *subscriberQueue) Pop(ctx context.Context, idleTimeout time.Duration) (frame string, more bool) {
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-q.frames:
		q.lastPop.Store(time.Now().UnixNano())
		if ok {
			q.buffered.Add(-int64(len(frame)))
		}
		return frame, ok
	case <-timer.C:
		q.lastPop.Store(time.Now().UnixNano())
		return keepaliveFrame(time.Now()), true
	case <-ctx.Done():
		return "", false
	}
}

// Close marks the queue closed and wakes pending Pop calls. Idempotent.
func (q *subscriberQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.frames)
	q.mu.Unlock()

	if q.onClosed != nil {
		q.onClosed()
	}
}

// Closed reports whether Close has been called.
func (q *subscriberQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered frames.
func (q *subscriberQueue) Len() int {
	return len(q.frames)
}

// Dropped returns the overflow counter.
func (q *subscriberQueue) Dropped() int64 {
	return q.dropped.Load()
}

// LastConsumed returns the time of the most recent successful Pop. Keepalive
// pops count: a live consumer refreshes this at least once per idle window,
// so a stale value marks a dead consumer for the cleanup backstop.
func (q *subscriberQueue) LastConsumed() time.Time {
	return time.Unix(0, q.lastPop.Load())
}

// BufferedBytes reports the bytes currently held by buffered frames.
func (q *subscriberQueue) BufferedBytes() int64 {
	return q.buffered.Load()
}
