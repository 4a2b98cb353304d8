package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/notebroker/pkg/types"
	"github.com/google/uuid"
)

const connectionSendBuffer = 64

// streamConnection implements hub.Connection for one client subscribed to
// /v1/notifications. It owns a single writer goroutine that drains a
// bounded channel in enqueue order, so notifications handed to Send in
// broadcast order still reach the wire in that order even though the Hub
// may call Send concurrently with the previous call still in flight
// (spec.md §4.5; see the ordering note on hub.Connection).
type streamConnection struct {
	id     string
	queue  chan types.Notification
	closed chan struct{}
}

func newStreamConnection() *streamConnection {
	return &streamConnection{
		id:     uuid.NewString(),
		queue:  make(chan types.Notification, connectionSendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *streamConnection) ID() string { return c.id }

// Send enqueues n for the writer goroutine. It blocks until there is room,
// the connection closes, or ctx expires, satisfying the Hub's contract that
// Send honors ctx's deadline.
func (c *streamConnection) Send(ctx context.Context, n types.Notification) error {
	select {
	case c.queue <- n:
		return nil
	case <-c.closed:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errConnectionClosed = httpConnError("connection closed")

type httpConnError string

func (e httpConnError) Error() string { return string(e) }

// run drains the queue onto w as newline-delimited JSON until the request
// context is cancelled (client disconnect) or the connection is closed.
func (c *streamConnection) run(ctx context.Context, w http.ResponseWriter) {
	defer close(c.closed)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case n := <-c.queue:
			if err := enc.Encode(newNotificationResponse(n)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-keepalive.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return
		}
	}
}
