package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/server/ports"
)

func testBroadcasterConfig() config.Broadcaster {
	return config.Broadcaster{
		MaxQueueSize:            256,
		MaxHistoryPerSession:    1000,
		EventTTL:                time.Hour,
		SessionTTL:              2 * time.Hour,
		CleanupInterval:         time.Hour,
		MaxSubscriberIdleTime:   30 * time.Second,
		MemoryWarningThreshold:  64 << 20,
		MemoryCriticalThreshold: 256 << 20,
	}
}

func newTestBroadcaster(t *testing.T, mutate func(*config.Broadcaster)) *EventBroadcaster {
	t.Helper()
	cfg := testBroadcasterConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	b := NewEventBroadcaster(cfg, WithLogger(logging.Nop()))
	t.Cleanup(b.Shutdown)
	return b
}

func numberedEvent(i int) ports.Event {
	return ports.NewEvent("message", map[string]int{"seq": i})
}

// collectFrames pops until it has n frames or the deadline hits, skipping
// keepalives.
func collectFrames(t *testing.T, sub *Subscription, n int, deadline time.Duration) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var frames []string
	for len(frames) < n {
		frame, more := sub.Next(ctx)
		if !more {
			t.Fatalf("Stream ended after %d of %d frames", len(frames), n)
		}
		if strings.Contains(frame, "event: keepalive") {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestEventBroadcaster_DeliversToSubscriber(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	b.Broadcast("session-1", numberedEvent(1))

	frames := collectFrames(t, sub, 1, time.Second)
	if !strings.Contains(frames[0], `"seq":1`) {
		t.Errorf("Expected seq 1 in frame, got %q", frames[0])
	}
}

func TestEventBroadcaster_BuffersWithoutSubscribers(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	// Broadcasting into the void succeeds and lands in history.
	for i := 0; i < 3; i++ {
		b.Broadcast("session-1", numberedEvent(i))
	}

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	frames := collectFrames(t, sub, 3, time.Second)
	for i, frame := range frames {
		if !strings.Contains(frame, fmt.Sprintf(`"seq":%d`, i)) {
			t.Errorf("Frame %d out of order: %q", i, frame)
		}
	}
}

func TestEventBroadcaster_ReplayThenLive(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	for i := 0; i < 5; i++ {
		b.Broadcast("session-1", numberedEvent(i))
	}

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	b.Broadcast("session-1", numberedEvent(5))

	// Five replayed plus the live sixth, in order, no duplicates.
	frames := collectFrames(t, sub, 6, time.Second)
	for i, frame := range frames {
		if !strings.Contains(frame, fmt.Sprintf(`"seq":%d`, i)) {
			t.Errorf("Frame %d: expected seq %d, got %q", i, i, frame)
		}
	}
}

func TestEventBroadcaster_SessionIsolation(t *testing.T) {
	b := newTestBroadcaster(t, nil)
	ctx := context.Background()

	subA1, _ := b.Subscribe(ctx, "session-a")
	defer subA1.Close()
	subA2, _ := b.Subscribe(ctx, "session-a")
	defer subA2.Close()
	subB, _ := b.Subscribe(ctx, "session-b")
	defer subB.Close()

	b.Broadcast("session-b", ports.NewEvent("b.only", map[string]string{"for": "b"}))

	frames := collectFrames(t, subB, 1, time.Second)
	if !strings.Contains(frames[0], "event: b.only") {
		t.Errorf("Expected b.only event, got %q", frames[0])
	}

	// a's subscribers see nothing but keepalives.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	for _, sub := range []*Subscription{subA1, subA2} {
		frame, more := sub.Next(shortCtx)
		if more && !strings.Contains(frame, "keepalive") {
			t.Errorf("session-a subscriber received foreign frame %q", frame)
		}
	}
}

func TestEventBroadcaster_SlowConsumerOverflow(t *testing.T) {
	b := newTestBroadcaster(t, func(cfg *config.Broadcaster) {
		cfg.MaxQueueSize = 5
	})

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	// Ten broadcasts, zero consumption: the five oldest frames fall out.
	for i := 0; i < 10; i++ {
		b.Broadcast("session-1", numberedEvent(i))
	}

	if sub.Dropped() != 5 {
		t.Errorf("Expected 5 dropped frames, got %d", sub.Dropped())
	}
	stats := b.GetStats()
	if stats.EventsDropped != 5 {
		t.Errorf("Expected stats to count 5 drops, got %d", stats.EventsDropped)
	}

	frames := collectFrames(t, sub, 5, time.Second)
	if !strings.Contains(frames[0], `"seq":5`) {
		t.Errorf("Expected oldest surviving frame seq 5, got %q", frames[0])
	}

	// History is unaffected by queue overflow.
	if got := len(b.GetEventHistory("session-1", 0)); got != 10 {
		t.Errorf("Expected full history of 10, got %d", got)
	}
}

func TestEventBroadcaster_ReplayBoundedByHistoryLimit(t *testing.T) {
	b := newTestBroadcaster(t, func(cfg *config.Broadcaster) {
		cfg.MaxHistoryPerSession = 3
	})

	for i := 0; i < 5; i++ {
		b.Broadcast("session-1", numberedEvent(i))
	}

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	frames := collectFrames(t, sub, 3, time.Second)
	if !strings.Contains(frames[0], `"seq":2`) {
		t.Errorf("Expected replay to start at seq 2, got %q", frames[0])
	}
	if !strings.Contains(frames[2], `"seq":4`) {
		t.Errorf("Expected replay to end at seq 4, got %q", frames[2])
	}
}

func TestEventBroadcaster_GetEventHistoryLimit(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	for i := 0; i < 5; i++ {
		b.Broadcast("session-1", numberedEvent(i))
	}

	got := b.GetEventHistory("session-1", 2)
	if len(got) != 2 {
		t.Fatalf("Expected 2 events with limit, got %d", len(got))
	}
	// Most recent two, still oldest-first.
	var payload struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(got[0].Data, &payload); err != nil || payload.Seq != 3 {
		t.Errorf("Expected first limited event seq 3, got %+v (%v)", payload, err)
	}

	if all := b.GetEventHistory("session-1", 0); len(all) != 5 {
		t.Errorf("Non-positive limit should return everything, got %d", len(all))
	}
	if none := b.GetEventHistory("missing", 10); len(none) != 0 {
		t.Errorf("Unknown session should have empty history, got %d", len(none))
	}
}

func TestEventBroadcaster_SubscriptionCloseIdempotent(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sub.Close()
	sub.Close()
	sub.Close()

	stats := b.GetStats()
	if stats.Subscribers != 0 {
		t.Errorf("Expected 0 subscribers after close, got %d", stats.Subscribers)
	}

	// Broadcasting after the disconnect still succeeds.
	b.Broadcast("session-1", numberedEvent(0))
}

func TestEventBroadcaster_Shutdown(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Shutdown()
	b.Shutdown() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, more := sub.Next(ctx); more {
		t.Error("Subscriber stream should end after shutdown")
	}

	if _, err := b.Subscribe(context.Background(), "session-2"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown on subscribe, got %v", err)
	}

	// Broadcast after shutdown is a silent no-op.
	before := b.GetStats().EventsBroadcast
	b.Broadcast("session-1", numberedEvent(99))
	if b.GetStats().EventsBroadcast != before {
		t.Error("Broadcast after shutdown should not count")
	}
}

func TestEventBroadcaster_WaitForSubscriber(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	arrived := make(chan bool, 1)
	go func() {
		arrived <- b.WaitForSubscriber(context.Background(), "session-1", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	select {
	case ok := <-arrived:
		if !ok {
			t.Error("Waiter should observe the new subscriber")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForSubscriber never woke")
	}
}

func TestEventBroadcaster_ClearSession(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	b.Broadcast("session-1", numberedEvent(0))

	b.ClearSession(context.Background(), "session-1")

	if got := len(b.GetEventHistory("session-1", 0)); got != 0 {
		t.Errorf("Expected cleared history, got %d events", got)
	}
	stats := b.GetStats()
	if stats.Sessions != 0 {
		t.Errorf("Expected 0 sessions after clear, got %d", stats.Sessions)
	}
}

func TestEventBroadcaster_Stats(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	sub, err := b.Subscribe(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	b.Broadcast("session-1", numberedEvent(0))
	b.Broadcast("session-2", numberedEvent(1))

	stats := b.GetStats()
	if stats.EventsBroadcast != 2 {
		t.Errorf("Expected 2 broadcasts, got %d", stats.EventsBroadcast)
	}
	if stats.Sessions != 2 {
		t.Errorf("Expected 2 sessions, got %d", stats.Sessions)
	}
	if stats.Subscribers != 1 {
		t.Errorf("Expected 1 subscriber, got %d", stats.Subscribers)
	}
	if stats.Uptime <= 0 {
		t.Error("Uptime should be positive")
	}
}

func TestEventBroadcaster_OnEventImplementsListener(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	var listener ports.EventListener = b
	listener.OnEvent("session-1", numberedEvent(7))

	history := b.GetEventHistory("session-1", 0)
	if len(history) != 1 {
		t.Fatalf("Expected 1 event via listener path, got %d", len(history))
	}
}

func TestEventBroadcaster_SessionsDoNotShareRenderedFrames(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	// Producer-assigned ids are not unique across sessions.
	forA := ports.NewEvent("message", map[string]string{"secret": "for-a-only"})
	forA.ID = "1"
	b.Broadcast("session-a", forA)

	sub, err := b.Subscribe(context.Background(), "session-b")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	forB := ports.NewEvent("message", map[string]string{"payload": "for-b"})
	forB.ID = "1"
	b.Broadcast("session-b", forB)

	frames := collectFrames(t, sub, 1, time.Second)
	if strings.Contains(frames[0], "for-a-only") {
		t.Fatalf("session-b received session-a's payload: %q", frames[0])
	}
	if !strings.Contains(frames[0], "for-b") {
		t.Errorf("Expected session-b's own payload, got %q", frames[0])
	}
}

func frameSeq(t *testing.T, frame string) int {
	t.Helper()
	for _, line := range strings.Split(frame, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var payload struct {
				Seq int `json:"seq"`
			}
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				t.Fatalf("Bad frame payload %q: %v", data, err)
			}
			return payload.Seq
		}
	}
	t.Fatalf("Frame has no data line: %q", frame)
	return 0
}

func TestEventBroadcaster_SubscribeDuringFloodLosesNothing(t *testing.T) {
	const total = 5000
	b := newTestBroadcaster(t, func(cfg *config.Broadcaster) {
		cfg.MaxQueueSize = 2 * total
		cfg.MaxHistoryPerSession = 2 * total
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			b.Broadcast("flood", numberedEvent(i))
		}
	}()
	defer wg.Wait()

	// Subscribe mid-flood so the replay/live handover lands inside the
	// producer's run.
	for b.GetStats().EventsBroadcast < total/10 {
		time.Sleep(time.Millisecond)
	}
	sub, err := b.Subscribe(context.Background(), "flood")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prev := -1
	for {
		frame, more := sub.Next(ctx)
		if !more {
			t.Fatalf("Stream ended after seq %d", prev)
		}
		if strings.Contains(frame, "event: keepalive") {
			continue
		}
		seq := frameSeq(t, frame)
		if prev >= 0 && seq != prev+1 {
			t.Fatalf("Sequence gap at the replay/live handover: %d then %d", prev, seq)
		}
		prev = seq
		if seq == total-1 {
			break
		}
	}
	if dropped := sub.Dropped(); dropped != 0 {
		t.Errorf("Expected no overflow, got %d drops", dropped)
	}
}
