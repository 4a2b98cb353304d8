package hub

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/notebroker/pkg/log"
	"github.com/cuemby/notebroker/pkg/metrics"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/rs/zerolog"
)

// Connection is one subscriber registered with the Hub. The transport layer
// (pkg/api) owns the underlying socket and is responsible for serializing
// its own writes so that notifications handed to Send in broadcast order
// reach the wire in that same order, even though the Hub may have more than
// one Send in flight for the same Connection at once (spec.md §4.5).
// Send must honor ctx's deadline and return a non-nil error if it cannot,
// so the Hub can unregister a broken or wedged connection.
type Connection interface {
	ID() string
	Send(ctx context.Context, n types.Notification) error
}

const defaultSendTimeout = 5 * time.Second

// Hub is the Fan-out Hub (spec component E). It holds no queue beyond the
// ephemeral send goroutines a single Broadcast call spawns.
type Hub struct {
	logger      zerolog.Logger
	sendTimeout time.Duration

	mu   sync.RWMutex
	subs map[string]Connection
}

// New constructs a Hub. sendTimeout bounds every per-connection send; zero
// selects the default of 5s (spec.md §5 "Timeouts").
func New(sendTimeout time.Duration) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Hub{
		logger:      log.WithComponent("hub"),
		sendTimeout: sendTimeout,
		subs:        make(map[string]Connection),
	}
}

// Register adds conn to the subscriber set.
func (h *Hub) Register(conn Connection) {
	h.mu.Lock()
	h.subs[conn.ID()] = conn
	count := len(h.subs)
	h.mu.Unlock()
	metrics.HubSubscribers.Set(float64(count))
	h.logger.Debug().Str("connection_id", conn.ID()).Msg("subscriber registered")
}

// Unregister removes conn from the subscriber set. It is safe to call more
// than once for the same id.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	_, existed := h.subs[id]
	delete(h.subs, id)
	count := len(h.subs)
	h.mu.Unlock()
	if existed {
		metrics.HubSubscribers.Set(float64(count))
		h.logger.Debug().Str("connection_id", id).Msg("subscriber unregistered")
	}
}

// SubscriberCount reports the current number of registered connections.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast spawns one independent send goroutine per currently registered
// subscriber and returns without waiting for any of them (spec.md §4.5). A
// subscriber whose send errors or exceeds sendTimeout is unregistered; the
// failure never reaches the caller and never delays another subscriber's
// delivery (spec.md §8, "no head-of-line blocking").
func (h *Hub) Broadcast(n types.Notification) {
	h.mu.RLock()
	snapshot := make([]Connection, 0, len(h.subs))
	for _, c := range h.subs {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, conn := range snapshot {
		go h.sendOne(conn, n)
	}
}

func (h *Hub) sendOne(conn Connection, n types.Notification) {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
	defer cancel()

	err := conn.Send(ctx, n)
	timer.ObserveDuration(metrics.HubBroadcastDuration)
	if err != nil {
		metrics.HubSendFailuresTotal.Inc()
		h.logger.Warn().Str("connection_id", conn.ID()).Err(err).Msg("subscriber send failed, unregistering")
		h.Unregister(conn.ID())
	}
}

// PublishOutput implements multiplexer.Publisher: it wraps out as an output
// Notification and broadcasts it.
func (h *Hub) PublishOutput(notebookKey, taskID string, out types.Output) {
	o := out
	h.Broadcast(types.Notification{
		Kind:        types.NotifyOutput,
		NotebookKey: notebookKey,
		TaskID:      taskID,
		Output:      &o,
		Emitted:     time.Now(),
	})
}

// PublishInputRequest implements multiplexer.Publisher: it wraps prompt as
// an input_request Notification and broadcasts it.
func (h *Hub) PublishInputRequest(notebookKey, taskID, prompt string) {
	h.Broadcast(types.Notification{
		Kind:        types.NotifyInputRequest,
		NotebookKey: notebookKey,
		TaskID:      taskID,
		Prompt:      prompt,
		Emitted:     time.Now(),
	})
}

// PublishStatus broadcasts a status transition, called by the Execution
// Scheduler after every Store transition (spec.md §6, "status" notification).
func (h *Hub) PublishStatus(notebookKey, taskID string, status types.ExecutionStatus) {
	h.Broadcast(types.Notification{
		Kind:        types.NotifyStatus,
		NotebookKey: notebookKey,
		TaskID:      taskID,
		Status:      status,
		Emitted:     time.Now(),
	})
}

// PublishExecutionStarted broadcasts the execution_started notification the
// Scheduler emits once it has a kernel_msg_id for a dispatched execution.
func (h *Hub) PublishExecutionStarted(notebookKey, taskID, kernelMsgID string) {
	h.Broadcast(types.Notification{
		Kind:        types.NotifyExecutionStarted,
		NotebookKey: notebookKey,
		TaskID:      taskID,
		KernelMsgID: kernelMsgID,
		Emitted:     time.Now(),
	})
}
