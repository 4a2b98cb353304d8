package multiplexer

import (
	"sync"
	"time"

	"github.com/cuemby/notebroker/pkg/kernel"
	"github.com/cuemby/notebroker/pkg/log"
	"github.com/cuemby/notebroker/pkg/metrics"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/rs/zerolog"
)

const (
	statusBusy = "busy"
	statusIdle = "idle"
)

// Publisher is how the Multiplexer hands demultiplexed output and
// completion to the rest of the broker. The Fan-out Hub implements it.
type Publisher interface {
	PublishOutput(notebookKey, taskID string, out types.Output)
	PublishInputRequest(notebookKey, taskID, prompt string)
}

type binding struct {
	notebookKey string
	kernelMsgID string
}

// Outcome is sent exactly once on the channel Bind returns, when the kernel
// reports the bound execution idle. Status is Completed unless an error
// frame was observed for this execution, in which case it is Failed and
// ErrorMessage carries the last error frame's payload (spec.md §4.3).
type Outcome struct {
	Status       types.ExecutionStatus
	ErrorMessage string
}

// Multiplexer demultiplexes one kernel's frame stream onto the executions
// that produced them (spec component C).
type Multiplexer struct {
	pub    Publisher
	logger zerolog.Logger

	mu       sync.Mutex
	bindings map[string]map[string]string // notebookKey -> kernelMsgID -> taskID
	reverse  map[string]binding           // taskID -> (notebookKey, kernelMsgID), for cleanup
	waiters  map[string]chan Outcome      // taskID -> completion signal, sent-then-closed exactly once
	errored  map[string]string            // taskID -> last error frame payload observed so far
	rings    map[string]*orphanRing       // notebookKey -> orphan buffer
	ringSize int
}

// NewMultiplexer constructs a Multiplexer whose orphan buffer holds up to
// ringSize frames for each unbound kernel message id.
func NewMultiplexer(ringSize int, pub Publisher) *Multiplexer {
	return &Multiplexer{
		pub:      pub,
		logger:   log.WithComponent("multiplexer"),
		bindings: make(map[string]map[string]string),
		reverse:  make(map[string]binding),
		waiters:  make(map[string]chan Outcome),
		errored:  make(map[string]string),
		rings:    make(map[string]*orphanRing),
		ringSize: ringSize,
	}
}

func (m *Multiplexer) ringFor(notebookKey string) *orphanRing {
	r, ok := m.rings[notebookKey]
	if !ok {
		r = newOrphanRing(m.ringSize)
		m.rings[notebookKey] = r
	}
	return r
}

// Bind registers kernelMsgID as belonging to taskID and returns a channel
// that closes exactly once the execution reaches kernel-reported idle.
// Any frames that already arrived for kernelMsgID (held in the orphan
// ring) are replayed to the Publisher immediately, in their original
// order.
func (m *Multiplexer) Bind(notebookKey, kernelMsgID, taskID string) <-chan Outcome {
	m.mu.Lock()
	if m.bindings[notebookKey] == nil {
		m.bindings[notebookKey] = make(map[string]string)
	}
	m.bindings[notebookKey][kernelMsgID] = taskID
	m.reverse[taskID] = binding{notebookKey: notebookKey, kernelMsgID: kernelMsgID}
	waiter := make(chan Outcome, 1)
	m.waiters[taskID] = waiter
	ring := m.ringFor(notebookKey)
	m.mu.Unlock()

	for _, f := range ring.drain(kernelMsgID) {
		m.route(notebookKey, taskID, f)
	}

	return waiter
}

// Unbind releases the bookkeeping for taskID without waiting for
// completion, used when an execution is cancelled before the kernel
// reports idle.
func (m *Multiplexer) Unbind(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(taskID)
}

func (m *Multiplexer) releaseLocked(taskID string) {
	b, ok := m.reverse[taskID]
	if !ok {
		return
	}
	delete(m.reverse, taskID)
	if byMsg, ok := m.bindings[b.notebookKey]; ok {
		delete(byMsg, b.kernelMsgID)
	}
	delete(m.errored, taskID)
	if w, ok := m.waiters[taskID]; ok {
		delete(m.waiters, taskID)
		close(w)
	}
}

// NotebookDied implements kernel.OutputSink: it is called when the
// Supervisor has declared notebookKey's kernel dead, so every execution
// still bound to it is failed immediately rather than waiting out its full
// timeout for an idle frame that will never come (spec.md §4.2).
func (m *Multiplexer) NotebookDied(notebookKey, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskIDs := make([]string, 0, len(m.bindings[notebookKey]))
	for _, taskID := range m.bindings[notebookKey] {
		taskIDs = append(taskIDs, taskID)
	}
	for _, taskID := range taskIDs {
		if w, ok := m.waiters[taskID]; ok {
			w <- Outcome{Status: types.ExecutionFailed, ErrorMessage: reason}
		}
		m.releaseLocked(taskID)
	}
	delete(m.rings, notebookKey)
}

// Deliver implements kernel.OutputSink: it is called once per frame a
// kernel subprocess emits, in the order the Kernel Supervisor's read loop
// observed them.
func (m *Multiplexer) Deliver(notebookKey string, f kernel.Frame) {
	parentID := f.ParentMsgID
	if parentID == "" {
		parentID = f.MsgID
	}

	m.mu.Lock()
	taskID, bound := "", false
	if byMsg, ok := m.bindings[notebookKey]; ok {
		taskID, bound = byMsg[parentID]
	}
	ring := m.ringFor(notebookKey)
	m.mu.Unlock()

	if !bound {
		ring.push(parentID, f)
		metrics.OrphanBufferSize.WithLabelValues(notebookKey).Set(float64(ring.size()))
		return
	}

	m.route(notebookKey, taskID, f)
}

func (m *Multiplexer) route(notebookKey, taskID string, f kernel.Frame) {
	switch f.Type {
	case kernel.FrameStream:
		m.pub.PublishOutput(notebookKey, taskID, types.Output{Kind: types.OutputStream, Payload: f.Payload, Arrived: time.Now()})
	case kernel.FrameDisplay:
		m.pub.PublishOutput(notebookKey, taskID, types.Output{Kind: types.OutputDisplay, Payload: f.Payload, Arrived: time.Now()})
	case kernel.FrameResult:
		m.pub.PublishOutput(notebookKey, taskID, types.Output{Kind: types.OutputResult, Payload: f.Payload, Arrived: time.Now()})
	case kernel.FrameError:
		m.pub.PublishOutput(notebookKey, taskID, types.Output{Kind: types.OutputError, Payload: f.Payload, Arrived: time.Now()})
		m.mu.Lock()
		m.errored[taskID] = f.Payload
		m.mu.Unlock()
	case kernel.FrameInput:
		m.pub.PublishInputRequest(notebookKey, taskID, f.Payload)
	case kernel.FrameStatus:
		if f.Payload == statusIdle {
			m.signalComplete(taskID)
		}
	default:
		m.logger.Debug().Str("notebook_key", notebookKey).Str("task_id", taskID).Str("frame_type", string(f.Type)).Msg("unhandled frame type")
	}
}

// signalComplete is called exactly once per execution, on the first
// terminal ("idle") status frame observed for it (spec.md §4.3 "Completion
// contract"). Late frames arriving afterward for the same kernel_msg_id are
// no longer bound to anything and fall through to the orphan ring, which is
// harmless since nothing will ever bind that id again.
func (m *Multiplexer) signalComplete(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiter, ok := m.waiters[taskID]
	if !ok {
		return
	}
	status := types.ExecutionCompleted
	errMsg := m.errored[taskID]
	if errMsg != "" {
		status = types.ExecutionFailed
	}
	waiter <- Outcome{Status: status, ErrorMessage: errMsg}
	m.releaseLocked(taskID)
}
