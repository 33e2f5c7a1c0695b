package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/server/ports"
)

// closeNotifyRecorder implements http.CloseNotifier, which gin's Stream
// requires of the response writer; httptest.ResponseRecorder alone does not.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func TestHandleStreamRequiresSessionID(t *testing.T) {
	_, _, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/events/stream", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStreamDeliversFrames(t *testing.T) {
	broadcaster, _, router := newTestRouter(t)

	// History recorded before the connection replays into the stream.
	broadcaster.Broadcast("session-1", ports.NewEvent("message", map[string]int{"seq": 0}))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream?session_id=session-1", nil).WithContext(ctx)
	w := newCloseNotifyRecorder()

	served := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(served)
	}()

	// Wait for the subscriber to register, then send a live event.
	require.True(t, broadcaster.WaitForSubscriber(context.Background(), "session-1", 2*time.Second))
	broadcaster.Broadcast("session-1", ports.NewEvent("message", map[string]int{"seq": 1}))

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream handler did not return after disconnect")
	}

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, body, `"seq":0`)
	assert.Contains(t, body, `"seq":1`)
	assert.Contains(t, body, "event: message\n")
}

func TestHandleStreamClosesOnShutdown(t *testing.T) {
	broadcaster, _, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/events/stream?session_id=session-1", nil)
	w := newCloseNotifyRecorder()

	served := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(served)
	}()

	require.True(t, broadcaster.WaitForSubscriber(context.Background(), "session-1", 2*time.Second))
	broadcaster.Shutdown()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream handler did not return after shutdown")
	}
}

func TestHandleStreamRejectsAfterShutdown(t *testing.T) {
	broadcaster, _, router := newTestRouter(t)
	broadcaster.Shutdown()

	w := doJSON(t, router, http.MethodGet, "/api/events/stream?session_id=session-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
