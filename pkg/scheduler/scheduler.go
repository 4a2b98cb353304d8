package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/notebroker/pkg/kernel"
	"github.com/cuemby/notebroker/pkg/log"
	"github.com/cuemby/notebroker/pkg/metrics"
	"github.com/cuemby/notebroker/pkg/multiplexer"
	"github.com/cuemby/notebroker/pkg/storage"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout        = 300 * time.Second
	defaultQueueCapacity  = 256
	storageRetryMaxWait   = 30 * time.Second
	storageRetryAttempts  = 6
	reasonKernelDied      = "kernel died"
	reasonTimeoutExceeded = "execution exceeded timeout"
)

// KernelSender is the subset of kernel.Supervisor the Scheduler dispatches
// through. A single interface keeps this package testable without a real
// subprocess.
type KernelSender interface {
	EnsureKernel(notebookKey string) (*types.KernelSession, error)
	Send(notebookKey string, f kernel.Frame) error
	Interrupt(notebookKey string) error
	SubmitInput(notebookKey, taskID, value string) error
}

// Binder is the subset of multiplexer.Multiplexer the Scheduler needs to
// register a dispatched execution and wait for its outcome.
type Binder interface {
	Bind(notebookKey, kernelMsgID, taskID string) <-chan multiplexer.Outcome
	Unbind(taskID string)
}

// Notifier is the subset of hub.Hub the Scheduler uses to announce status
// transitions and dispatch events to connected clients.
type Notifier interface {
	PublishStatus(notebookKey, taskID string, status types.ExecutionStatus)
	PublishExecutionStarted(notebookKey, taskID, kernelMsgID string)
}

// Config configures a Scheduler.
type Config struct {
	// DefaultTimeout bounds how long a dispatched execution may run before
	// the Scheduler marks it timeout and interrupts the kernel.
	DefaultTimeout time.Duration

	// QueueCapacity is the soft cap on a notebook's submission channel;
	// Submit returns ErrQueueFull once it is reached (spec.md §5 "Bounds").
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	return c
}

// runningTask tracks the bookkeeping a dispatch loop needs to let Cancel
// reach an in-flight execution.
type runningTask struct {
	notebookKey string
	kernelMsgID string
	cancel      chan struct{}
	cancelOnce  sync.Once
}

func (r *runningTask) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

// notebookQueue is the per-notebook_key FIFO submission channel and its
// dispatch worker lifecycle.
type notebookQueue struct {
	ch   chan string
	stop chan struct{}
	done chan struct{}
}

// Scheduler is the Execution Scheduler (spec component D).
type Scheduler struct {
	cfg     Config
	store   storage.Store
	kernels KernelSender
	mux     Binder
	hub     Notifier
	logger  zerolog.Logger

	mu       sync.Mutex
	queues   map[string]*notebookQueue
	running  map[string]*runningTask // taskID -> bookkeeping, present only while dispatched
}

// New constructs a Scheduler. Call Restore once at startup to re-enqueue
// any non-terminal work left over from a previous process.
func New(cfg Config, store storage.Store, kernels KernelSender, mux Binder, hub Notifier) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		store:   store,
		kernels: kernels,
		mux:     mux,
		hub:     hub,
		logger:  log.WithComponent("scheduler"),
		queues:  make(map[string]*notebookQueue),
		running: make(map[string]*runningTask),
	}
}

// ErrQueueFull is returned by Submit when a notebook's submission channel
// is at its soft cap (spec's ResourceExhausted kind).
var ErrQueueFull = fmt.Errorf("scheduler: submission queue full")

func (s *Scheduler) queueFor(notebookKey string) *notebookQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[notebookKey]
	if !ok {
		q = &notebookQueue{
			ch:   make(chan string, s.cfg.QueueCapacity),
			stop: make(chan struct{}),
			done: make(chan struct{}),
		}
		s.queues[notebookKey] = q
		go s.dispatchLoop(notebookKey, q)
	}
	return q
}

// Submit persists a new Execution in pending state and enqueues it on its
// notebook's dispatch channel, returning immediately (spec.md §4.4). If
// taskID is empty a fresh one is generated.
func (s *Scheduler) Submit(notebookKey string, cellIndex int, source, taskID string) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}

	exec := &types.Execution{
		TaskID:      taskID,
		NotebookKey: notebookKey,
		CellIndex:   cellIndex,
		Source:      source,
		Status:      types.ExecutionPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.EnqueueExecution(exec); err != nil {
		return "", err
	}

	q := s.queueFor(notebookKey)
	select {
	case q.ch <- taskID:
		metrics.SubmissionQueueDepth.WithLabelValues(notebookKey).Set(float64(len(q.ch)))
	default:
		metrics.SubmissionsRejectedTotal.Inc()
		return "", ErrQueueFull
	}

	s.hub.PublishStatus(notebookKey, taskID, types.ExecutionPending)
	return taskID, nil
}

// SubmitInput delivers interactive input for a running execution straight
// to the kernel, bypassing the submission channel so it never blocks a
// dispatch loop waiting on a different execution (spec.md §9).
func (s *Scheduler) SubmitInput(notebookKey, taskID, value string) error {
	return s.kernels.SubmitInput(notebookKey, taskID, value)
}

// Cancel best-effort cancels taskID: a pending record transitions directly
// to cancelled; a running one is interrupted and its dispatch loop marks it
// cancelled once the interrupt is observed or abandoned (spec.md §4.4).
func (s *Scheduler) Cancel(notebookKey, taskID string) error {
	exec, err := s.store.GetExecution(taskID)
	if err != nil {
		return err
	}

	if exec.Status == types.ExecutionPending {
		return s.store.MarkCancelled(taskID, time.Now())
	}
	if exec.Status.Terminal() {
		return nil
	}

	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rt.requestCancel()
	return nil
}

// Status returns a snapshot of taskID's current record.
func (s *Scheduler) Status(taskID string) (*types.Execution, error) {
	return s.store.GetExecution(taskID)
}

// Restore re-enqueues every non-terminal Execution left over from a prior
// process, in created_at order, on its owning notebook's dispatch channel
// (spec.md §4.4, crash-recovery scenario).
func (s *Scheduler) Restore() error {
	pending, err := s.store.LoadNonTerminal()
	if err != nil {
		return fmt.Errorf("scheduler: restore: %w", err)
	}
	for _, exec := range pending {
		q := s.queueFor(exec.NotebookKey)
		select {
		case q.ch <- exec.TaskID:
		default:
			s.logger.Error().Str("task_id", exec.TaskID).Str("notebook_key", exec.NotebookKey).
				Msg("restore: submission queue full, execution left pending")
		}
	}
	s.logger.Info().Int("count", len(pending)).Msg("restored non-terminal executions")
	return nil
}

// Shutdown stops every notebook's dispatch loop, draining unstarted
// submissions to cancelled before returning (spec.md §5, cancellation (b)).
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	queues := make([]*notebookQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		close(q.stop)
	}
	for _, q := range queues {
		<-q.done
	}
}

func (s *Scheduler) dispatchLoop(notebookKey string, q *notebookQueue) {
	defer close(q.done)
	for {
		select {
		case taskID := <-q.ch:
			s.dispatchOne(notebookKey, taskID)
		case <-q.stop:
			s.drainCancel(notebookKey, q)
			return
		}
	}
}

func (s *Scheduler) drainCancel(notebookKey string, q *notebookQueue) {
	for {
		select {
		case taskID := <-q.ch:
			exec, err := s.store.GetExecution(taskID)
			if err != nil || exec.Status.Terminal() {
				continue
			}
			if err := s.store.MarkCancelled(taskID, time.Now()); err == nil {
				s.hub.PublishStatus(notebookKey, taskID, types.ExecutionCancelled)
			}
		default:
			return
		}
	}
}

func (s *Scheduler) registerRunning(taskID string, rt *runningTask) {
	s.mu.Lock()
	s.running[taskID] = rt
	s.mu.Unlock()
}

func (s *Scheduler) unregisterRunning(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// dispatchOne runs the single-dispatch sequence from spec.md §4.4 for one
// queued task_id: transition to running, send to the kernel, bind the
// reply, then wait for completion, cancellation, or timeout — whichever
// comes first.
func (s *Scheduler) dispatchOne(notebookKey, taskID string) {
	exec, err := s.store.GetExecution(taskID)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("dispatch: execution vanished")
		return
	}
	if exec.Status.Terminal() {
		return // cancelled while still pending
	}

	if err := s.retryStorage(func() error { return s.store.MarkStarted(taskID, time.Now()) }); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("dispatch: mark started failed, abandoning")
		return
	}
	metrics.ExecutionDispatchLatency.Observe(time.Since(exec.CreatedAt).Seconds())
	s.hub.PublishStatus(notebookKey, taskID, types.ExecutionRunning)

	if _, err := s.kernels.EnsureKernel(notebookKey); err != nil {
		s.terminate(notebookKey, taskID, types.ExecutionFailed, "kernel unavailable: "+err.Error())
		return
	}

	kernelMsgID := uuid.NewString()
	rt := &runningTask{notebookKey: notebookKey, kernelMsgID: kernelMsgID, cancel: make(chan struct{})}
	s.registerRunning(taskID, rt)
	defer s.unregisterRunning(taskID)

	frame := kernel.Frame{MsgID: kernelMsgID, Type: kernel.FrameExecute, TaskID: taskID, Payload: exec.Source}
	if err := s.kernels.Send(notebookKey, frame); err != nil {
		s.terminate(notebookKey, taskID, types.ExecutionFailed, reasonKernelDied+": "+err.Error())
		return
	}

	waiter := s.mux.Bind(notebookKey, kernelMsgID, taskID)
	s.hub.PublishExecutionStarted(notebookKey, taskID, kernelMsgID)

	timeout := s.cfg.DefaultTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	execTimer := metrics.NewTimer()
	select {
	case outcome := <-waiter:
		execTimer.ObserveDuration(metrics.ExecutionDuration)
		if outcome.Status == types.ExecutionFailed {
			s.terminate(notebookKey, taskID, types.ExecutionFailed, outcome.ErrorMessage)
		} else {
			s.terminate(notebookKey, taskID, types.ExecutionCompleted, "")
		}

	case <-rt.cancel:
		execTimer.ObserveDuration(metrics.ExecutionDuration)
		s.mux.Unbind(taskID)
		_ = s.kernels.Interrupt(notebookKey)
		s.terminate(notebookKey, taskID, types.ExecutionCancelled, "")

	case <-timer.C:
		execTimer.ObserveDuration(metrics.ExecutionDuration)
		s.mux.Unbind(taskID)
		_ = s.kernels.Interrupt(notebookKey)
		_ = s.kernels.Send(notebookKey, kernel.Frame{MsgID: uuid.NewString(), Type: kernel.FrameInterrupt, TaskID: taskID, ParentMsgID: kernelMsgID})
		s.terminate(notebookKey, taskID, types.ExecutionTimeout, reasonTimeoutExceeded)
	}
}

func (s *Scheduler) terminate(notebookKey, taskID string, status types.ExecutionStatus, errMsg string) {
	now := time.Now()
	var commit func() error
	switch status {
	case types.ExecutionCompleted:
		commit = func() error { return s.store.MarkCompleted(taskID, now) }
	case types.ExecutionFailed:
		commit = func() error { return s.store.MarkFailed(taskID, errMsg, now) }
	case types.ExecutionCancelled:
		commit = func() error { return s.store.MarkCancelled(taskID, now) }
	case types.ExecutionTimeout:
		commit = func() error { return s.store.MarkTimeout(taskID, now) }
	default:
		s.logger.Error().Str("task_id", taskID).Str("status", string(status)).Msg("terminate: unknown terminal status")
		return
	}

	if err := s.retryStorage(commit); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("terminate: store commit failed")
		return
	}
	metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	s.hub.PublishStatus(notebookKey, taskID, status)
}

// retryStorage retries a Store transition with exponential backoff capped
// at storageRetryMaxWait, matching spec.md §4.1's "best-effort-retry with
// exponential backoff" policy for everything except EnqueueExecution.
func (s *Scheduler) retryStorage(op func() error) error {
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < storageRetryAttempts; attempt++ {
		if err = op(); err == nil || err == storage.ErrAlreadyTerminal {
			return nil
		}
		if attempt == storageRetryAttempts-1 {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > storageRetryMaxWait {
			backoff = storageRetryMaxWait
		}
	}
	return err
}
