package app

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"relay/internal/server/ports"
)

// frameRenderer converts event records into SSE wire frames.
//
// Each frame is UTF-8 text terminated by a blank line:
//
//	id: <id>         (only when the event carries one)
//	retry: <ms>      (only when the event carries a reconnect hint)
//	event: <type>
//	data: <JSON>
//
// Frames for id-bearing events are cached so history replays to late
// subscribers do not re-render what live delivery already produced. Cache
// entries are keyed by session, id, and a digest of the event content, so an
// id reused across sessions or republished with a different payload never
// serves another event's frame.
type frameRenderer struct {
	cache *lru.Cache[string, string]
}

const renderCacheSize = 512

func newFrameRenderer() *frameRenderer {
	cache, err := lru.New[string, string](renderCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(fmt.Sprintf("render cache: %v", err))
	}
	return &frameRenderer{cache: cache}
}

var frameBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Render formats an event as a wire frame, consulting the cache for events
// that carry an id.
func (r *frameRenderer) Render(sessionID string, event ports.Event) string {
	if event.ID == "" {
		return renderFrame(event)
	}

	key := renderCacheKey(sessionID, event)
	if frame, ok := r.cache.Get(key); ok {
		return frame
	}

	frame := renderFrame(event)
	r.cache.Add(key, frame)
	return frame
}

// renderCacheKey binds a cached frame to its session and full event content.
// Producer-assigned ids are not unique across sessions, and nothing stops a
// producer from reusing one with a new payload, so the id alone must never
// select a frame.
func renderCacheKey(sessionID string, event ports.Event) string {
	h := fnv.New64a()
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write(event.Data)
	var retry [8]byte
	binary.LittleEndian.PutUint64(retry[:], uint64(event.Retry))
	h.Write(retry[:])

	return sessionID + "\x1f" + event.ID + "\x1f" + strconv.FormatUint(h.Sum64(), 16)
}

func renderFrame(event ports.Event) string {
	buf := frameBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer frameBufferPool.Put(buf)

	if event.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(event.ID)
		buf.WriteByte('\n')
	}
	if event.Retry > 0 {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.FormatInt(event.Retry.Milliseconds(), 10))
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(event.Type)
	buf.WriteByte('\n')
	buf.WriteString("data: ")
	if len(event.Data) > 0 {
		// Payload bytes pass through untouched; the core does not validate
		// or re-encode them.
		buf.Write(event.Data)
	} else {
		buf.WriteString("{}")
	}
	buf.WriteString("\n\n")

	return buf.String()
}

// keepaliveFrame synthesizes the reserved keepalive frame, carrying only a
// timestamp.
func keepaliveFrame(now time.Time) string {
	return fmt.Sprintf("event: %s\ndata: {\"timestamp\":%q}\n\n",
		ports.EventTypeKeepalive, now.Format(time.RFC3339Nano))
}
