// ABOUTME: Server-Sent Events stream for anonymous login channels
// ABOUTME: Sends the channel key first, then the session on grant; heartbeats keep proxies from idling out

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/registry"
)

// Stream events beyond the ones pushed through the registry.
const (
	eventExpired  = "expired"
	eventShutdown = "shutdown"
)

var (
	// heartbeatInterval is how often an idle stream gets a comment line.
	heartbeatInterval = 15 * time.Second

	// closeTimeout bounds unregistering a channel after its client is gone.
	closeTimeout = 2 * time.Second
)

// handleLoginChannel opens (or, with ?resume=<key>&resume_token=<t>, resumes)
// a login channel and streams its events until it is granted, expires, the
// client disconnects or the server drains.
func (g *Gateway) handleLoginChannel(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	ch, err := g.openChannel(r)
	if err != nil {
		g.sendOutcomeError(w, err)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), closeTimeout)
		defer cancel()
		g.service.CloseLoginChannel(ctx, ch)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, handoff.EventChannel, ch.Info())
	flusher.Flush()

	expiry := time.NewTimer(time.Until(ch.ExpiresAt))
	defer expiry.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			if g.flushPending(w, flusher, ch) {
				g.logger.Warn("session delivered to a disconnected login channel")
			}
			return

		case <-g.drain:
			if g.flushPending(w, flusher, ch) {
				return
			}
			g.writeSSEEvent(w, eventShutdown, struct{}{})
			flusher.Flush()
			return

		case <-expiry.C:
			if g.flushPending(w, flusher, ch) {
				return
			}
			g.writeSSEEvent(w, eventExpired, struct{}{})
			flusher.Flush()
			return

		case <-ch.Conn.Done():
			// Replaced by a reconnect, evicted, or the registry closed.
			if g.flushPending(w, flusher, ch) {
				return
			}
			g.endStream(w, flusher, ch)
			return

		case msg, ok := <-ch.Conn.Messages():
			if !ok {
				g.endStream(w, flusher, ch)
				return
			}
			if g.writeMessage(w, flusher, msg) {
				return
			}

		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeMessage writes a pushed message and reports whether it was the
// session, which ends the stream.
func (g *Gateway) writeMessage(w http.ResponseWriter, flusher http.Flusher, msg registry.Message) bool {
	writeSSERaw(w, msg.Event, msg.Data)
	flusher.Flush()
	return msg.Event == handoff.EventSession
}

// flushPending writes whatever is already queued on the handle without
// waiting for more. A delivered message was acknowledged to its sender, so
// it goes out before any terminal event. Reports whether a session was sent.
func (g *Gateway) flushPending(w http.ResponseWriter, flusher http.Flusher, ch *handoff.Channel) bool {
	for {
		select {
		case msg, ok := <-ch.Conn.Messages():
			if !ok {
				return false
			}
			if g.writeMessage(w, flusher, msg) {
				return true
			}
		default:
			return false
		}
	}
}

// endStream tells the client why its handle went away when the reason is
// drain or expiry. A replaced handle ends silently.
func (g *Gateway) endStream(w http.ResponseWriter, flusher http.Flusher, ch *handoff.Channel) {
	select {
	case <-g.drain:
		g.writeSSEEvent(w, eventShutdown, struct{}{})
	default:
		if time.Now().Before(ch.ExpiresAt) {
			return
		}
		g.writeSSEEvent(w, eventExpired, struct{}{})
	}
	flusher.Flush()
}

// openChannel opens a fresh channel or resumes the one named in the query.
func (g *Gateway) openChannel(r *http.Request) (*handoff.Channel, error) {
	q := r.URL.Query()
	if key := q.Get("resume"); key != "" {
		return g.service.ResumeLoginChannel(r.Context(), key, q.Get("resume_token"))
	}
	return g.service.OpenLoginChannel(r.Context())
}

// writeSSEEvent writes a server-sent event with JSON-encoded data.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	writeSSERaw(w, event, dataJSON)
}

// writeSSERaw writes a server-sent event whose data is already JSON.
func writeSSERaw(w http.ResponseWriter, event string, data []byte) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}
