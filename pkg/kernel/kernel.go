package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/notebroker/pkg/health"
	"github.com/cuemby/notebroker/pkg/log"
	"github.com/cuemby/notebroker/pkg/metrics"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/rs/zerolog"
)

// OutputSink receives every frame a kernel subprocess emits, in arrival
// order, so the I/O Multiplexer can demultiplex it onto an Execution. It
// also learns when a notebook's kernel has died, so any execution still
// bound to it can be failed instead of waiting forever for a frame that
// will never arrive (spec.md §4.2 "Recovery from crash").
type OutputSink interface {
	Deliver(notebookKey string, f Frame)
	NotebookDied(notebookKey, reason string)
}

// Config configures how the Supervisor spawns and supervises kernels.
type Config struct {
	// Command is the argv used to launch a kernel subprocess, e.g.
	// []string{"python3", "-u", "-m", "notebroker_kernel"}.
	Command []string

	// AllowedRoot is the working directory every kernel subprocess is
	// confined to.
	AllowedRoot string

	// MemoryLimitBytes is advisory, passed to the subprocess via
	// environment variable; the broker does not itself enforce cgroup
	// limits (Non-goal: containerization).
	MemoryLimitBytes int64

	// ReaperInterval is how often liveness is polled.
	ReaperInterval time.Duration

	// ShutdownGrace is how long Shutdown waits for a clean exit after
	// sending FrameShutdown before sending SIGKILL.
	ShutdownGrace time.Duration

	// MaxRestarts bounds how many times the reaper restarts a kernel
	// before giving up and leaving it dead.
	MaxRestarts int

	// MaxKernels bounds how many distinct notebook_key sessions may be
	// live at once (spec.md §6 MAX_KERNELS, default 10).
	MaxKernels int

	// LivenessRetries is how many consecutive failed liveness probes the
	// reaper requires before declaring a kernel dead, absorbing a single
	// transient signal failure under load.
	LivenessRetries int
}

func (c Config) withDefaults() Config {
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 3 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.MaxKernels <= 0 {
		c.MaxKernels = 10
	}
	if c.LivenessRetries <= 0 {
		c.LivenessRetries = 2
	}
	return c
}

// stderrWriter forwards a kernel subprocess's stderr to its notebook's
// logger, one log line per Write call.
type stderrWriter struct {
	logger zerolog.Logger
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.logger.Warn().Str("stream", "stderr").Msg(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type session struct {
	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	pid          int
	startedAt    time.Time
	restartCount int
	dead         bool
	health       *health.Status
}

// Supervisor owns the set of live kernel subprocesses, one per
// notebook_key, and the reaper goroutine that restarts dead ones.
type Supervisor struct {
	cfg       Config
	healthCfg health.Config
	sink      OutputSink
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSupervisor constructs a Supervisor. Call Run to start the reaper.
func NewSupervisor(cfg Config, sink OutputSink) *Supervisor {
	cfg = cfg.withDefaults()
	healthCfg := health.DefaultConfig()
	healthCfg.Retries = cfg.LivenessRetries
	return &Supervisor{
		cfg:       cfg,
		healthCfg: healthCfg,
		sink:      sink,
		logger:    log.WithComponent("kernel_supervisor"),
		sessions:  make(map[string]*session),
		stopCh:    make(chan struct{}),
	}
}

// Run starts the reaper loop in the background.
func (s *Supervisor) Run() {
	s.wg.Add(1)
	go s.reapLoop()
}

// Stop halts the reaper and shuts down every live kernel.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.RLock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	for _, k := range keys {
		_ = s.Shutdown(k)
	}
}

// EnsureKernel returns the live session for notebookKey, spawning one if
// none exists or the existing one has died.
func (s *Supervisor) EnsureKernel(notebookKey string) (*types.KernelSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[notebookKey]; ok {
		sess.mu.Lock()
		dead := sess.dead
		sess.mu.Unlock()
		if !dead {
			return sessionInfo(notebookKey, sess), nil
		}
	} else if s.liveCountLocked() >= s.cfg.MaxKernels {
		return nil, fmt.Errorf("kernel: max_kernels limit (%d) reached", s.cfg.MaxKernels)
	}

	sess, err := s.spawn(notebookKey)
	if err != nil {
		return nil, err
	}
	s.sessions[notebookKey] = sess
	return sessionInfo(notebookKey, sess), nil
}

// liveCountLocked counts non-dead sessions. Callers must hold s.mu.
func (s *Supervisor) liveCountLocked() int {
	count := 0
	for _, sess := range s.sessions {
		sess.mu.Lock()
		dead := sess.dead
		sess.mu.Unlock()
		if !dead {
			count++
		}
	}
	return count
}

func sessionInfo(notebookKey string, sess *session) *types.KernelSession {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &types.KernelSession{
		NotebookKey:  notebookKey,
		KernelPID:    sess.pid,
		StartedAt:    sess.startedAt,
		RestartCount: sess.restartCount,
	}
}

func (s *Supervisor) spawn(notebookKey string) (*session, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("kernel: no command configured")
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.AllowedRoot
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("NOTEBROKER_NOTEBOOK_KEY=%s", notebookKey),
		fmt.Sprintf("NOTEBROKER_MEMORY_LIMIT_BYTES=%d", s.cfg.MemoryLimitBytes),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &stderrWriter{logger: log.WithNotebook(notebookKey)}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("kernel: start: %w", err)
	}

	sess := &session{
		cmd:       cmd,
		stdin:     stdin,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		health:    health.NewStatus(),
	}

	metrics.KernelsActive.Inc()
	s.logger.Info().Str("notebook_key", notebookKey).Int("pid", sess.pid).Msg("kernel started")

	go s.readLoop(notebookKey, sess, bufio.NewReader(stdout))
	go s.reapExit(notebookKey, sess)

	return sess, nil
}

// reapExit waits for the subprocess to exit and marks the session dead,
// regardless of whether the exit was detected first by readLoop or here.
func (s *Supervisor) reapExit(notebookKey string, sess *session) {
	_ = sess.cmd.Wait()
	sess.mu.Lock()
	wasAlive := !sess.dead
	sess.dead = true
	sess.mu.Unlock()
	if wasAlive {
		metrics.KernelsActive.Dec()
		s.logger.Warn().Str("notebook_key", notebookKey).Int("pid", sess.pid).Msg("kernel exited")
		s.sink.NotebookDied(notebookKey, "kernel died")
	}
}

func (s *Supervisor) readLoop(notebookKey string, sess *session, r *bufio.Reader) {
	for {
		f, err := readFrame(r)
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				// The length prefix kept the stream in sync, so only this
				// frame is lost: log it and keep reading.
				metrics.DecodeErrorsTotal.Inc()
				s.logger.Warn().Err(err).Str("notebook_key", notebookKey).Msg("skipping malformed kernel frame")
				continue
			}
			if err != io.EOF {
				metrics.DecodeErrorsTotal.Inc()
				s.logger.Error().Err(err).Str("notebook_key", notebookKey).Msg("kernel frame decode failed")
			}
			return
		}
		s.sink.Deliver(notebookKey, f)
	}
}

// Send writes f to notebookKey's kernel stdin. It is the caller's
// responsibility to serialize calls per kernel if ordering matters; the
// Execution Scheduler's single dispatch worker per kernel guarantees this
// for FrameExecute.
func (s *Supervisor) Send(notebookKey string, f Frame) error {
	sess, err := s.get(notebookKey)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.dead {
		return fmt.Errorf("kernel: %s is not alive", notebookKey)
	}
	return writeFrame(sess.stdin, f)
}

// SubmitInput delivers interactive input to a running kernel without
// touching the submission channel (supplemented operation, spec.md §9).
func (s *Supervisor) SubmitInput(notebookKey, taskID, value string) error {
	return s.Send(notebookKey, Frame{MsgID: taskID, Type: FrameInput, TaskID: taskID, Payload: value})
}

// Interrupt sends SIGINT to the kernel's whole process group, the signal
// CPython's own interrupt handling expects.
func (s *Supervisor) Interrupt(notebookKey string) error {
	sess, err := s.get(notebookKey)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	pid := sess.pid
	dead := sess.dead
	sess.mu.Unlock()
	if dead {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGINT)
}

// Shutdown asks the kernel to exit cleanly, then escalates to SIGKILL if it
// hasn't exited within ShutdownGrace. It returns once the exit is observed.
func (s *Supervisor) Shutdown(notebookKey string) error {
	sess, err := s.get(notebookKey)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	dead := sess.dead
	pid := sess.pid
	sess.mu.Unlock()
	if dead {
		return nil
	}

	_ = s.Send(notebookKey, Frame{MsgID: "shutdown", Type: FrameShutdown})

	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			s.logger.Warn().Str("notebook_key", notebookKey).Int("pid", pid).Msg("kernel did not exit, killing")
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
				return err
			}
		case <-ticker.C:
			sess.mu.Lock()
			isDead := sess.dead
			sess.mu.Unlock()
			if isDead {
				return nil
			}
		}
	}
}

// IsAlive reports whether notebookKey currently has a live kernel.
func (s *Supervisor) IsAlive(notebookKey string) bool {
	sess, err := s.get(notebookKey)
	if err != nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return !sess.dead
}

// ListSessions returns a snapshot of every kernel session the Supervisor
// currently tracks, live or dead, for list_active_sessions (spec.md §6).
func (s *Supervisor) ListSessions() []*types.KernelSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.KernelSession, 0, len(s.sessions))
	for key, sess := range s.sessions {
		out = append(out, sessionInfo(key, sess))
	}
	return out
}

func (s *Supervisor) get(notebookKey string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[notebookKey]
	if !ok {
		return nil, fmt.Errorf("kernel: no session for %s", notebookKey)
	}
	return sess, nil
}

// reapLoop polls every live session's process liveness and restarts any
// that have died without reapExit yet observing it (e.g. a zombie held by
// a crashed child of the kernel itself).
func (s *Supervisor) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reapOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) reapOnce() {
	s.mu.RLock()
	type entry struct {
		key  string
		sess *session
	}
	entries := make([]entry, 0, len(s.sessions))
	for k, sess := range s.sessions {
		entries = append(entries, entry{k, sess})
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, e := range entries {
		e.sess.mu.Lock()
		dead := e.sess.dead
		pid := e.sess.pid
		restarts := e.sess.restartCount
		status := e.sess.health
		e.sess.mu.Unlock()
		if dead {
			continue
		}

		result := health.NewProcessChecker(pid).Check(ctx)
		status.Update(result, s.healthCfg)
		if status.Healthy {
			continue
		}

		e.sess.mu.Lock()
		e.sess.dead = true
		e.sess.mu.Unlock()
		metrics.KernelsActive.Dec()
		s.sink.NotebookDied(e.key, "kernel died")

		if restarts >= s.cfg.MaxRestarts {
			metrics.KernelRestartsTotal.WithLabelValues("restart_limit_exceeded").Inc()
			s.logger.Error().Str("notebook_key", e.key).Int("restarts", restarts).Msg("kernel restart limit exceeded, leaving dead")
			continue
		}

		s.logger.Warn().Str("notebook_key", e.key).Str("reason", result.Message).Msg("reaper restarting kernel")
		newSess, err := s.spawn(e.key)
		if err != nil {
			s.logger.Error().Err(err).Str("notebook_key", e.key).Msg("reaper failed to restart kernel")
			continue
		}
		newSess.restartCount = restarts + 1
		metrics.KernelRestartsTotal.WithLabelValues("reaper_detected_dead").Inc()

		s.mu.Lock()
		s.sessions[e.key] = newSess
		s.mu.Unlock()
	}
}
