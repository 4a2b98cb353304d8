package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSink captures every frame Deliver receives, keyed by notebook_key.
type recordingSink struct {
	mu     sync.Mutex
	frames map[string][]Frame
	deaths map[string][]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frames: make(map[string][]Frame), deaths: make(map[string][]string)}
}

func (s *recordingSink) Deliver(notebookKey string, f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[notebookKey] = append(s.frames[notebookKey], f)
}

func (s *recordingSink) NotebookDied(notebookKey, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deaths[notebookKey] = append(s.deaths[notebookKey], reason)
}

func (s *recordingSink) count(notebookKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[notebookKey])
}

func (s *recordingSink) deathCount(notebookKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deaths[notebookKey])
}

// catSupervisor builds a Supervisor whose kernel command is the `cat`
// utility: since the broker's framing is pure length-prefixed bytes, `cat`
// echoing stdin to stdout reflects every sent Frame back unchanged, letting
// these tests exercise Supervisor lifecycle without a real interpreter.
func catSupervisor(t *testing.T, sink OutputSink, cfg Config) *Supervisor {
	t.Helper()
	cfg.Command = []string{"cat"}
	cfg.ReaperInterval = 20 * time.Millisecond
	sup := NewSupervisor(cfg, sink)
	sup.Run()
	t.Cleanup(sup.Stop)
	return sup
}

func TestEnsureKernelSpawnsAndReuses(t *testing.T) {
	sup := catSupervisor(t, newRecordingSink(), Config{})

	sess1, err := sup.EnsureKernel("nb1")
	require.NoError(t, err)
	require.Greater(t, sess1.KernelPID, 0)

	sess2, err := sup.EnsureKernel("nb1")
	require.NoError(t, err)
	require.Equal(t, sess1.KernelPID, sess2.KernelPID)
}

func TestSendEchoesBackThroughSink(t *testing.T) {
	sink := newRecordingSink()
	sup := catSupervisor(t, sink, Config{})

	_, err := sup.EnsureKernel("nb1")
	require.NoError(t, err)

	require.NoError(t, sup.Send("nb1", Frame{MsgID: "m1", Type: FrameExecute, Payload: "1+1"}))

	require.Eventually(t, func() bool { return sink.count("nb1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestMaxKernelsLimitEnforced(t *testing.T) {
	sup := catSupervisor(t, newRecordingSink(), Config{MaxKernels: 1})

	_, err := sup.EnsureKernel("nb1")
	require.NoError(t, err)

	_, err = sup.EnsureKernel("nb2")
	require.Error(t, err)

	// Re-requesting the already-live session is never blocked by the cap.
	_, err = sup.EnsureKernel("nb1")
	require.NoError(t, err)
}

func TestListSessionsAndIsAlive(t *testing.T) {
	sup := catSupervisor(t, newRecordingSink(), Config{})

	_, err := sup.EnsureKernel("nb1")
	require.NoError(t, err)

	sessions := sup.ListSessions()
	require.Len(t, sessions, 1)
	require.Equal(t, "nb1", sessions[0].NotebookKey)
	require.True(t, sup.IsAlive("nb1"))
	require.False(t, sup.IsAlive("nb-never-started"))
}

func TestShutdownStopsProcess(t *testing.T) {
	sup := catSupervisor(t, newRecordingSink(), Config{ShutdownGrace: 200 * time.Millisecond})

	_, err := sup.EnsureKernel("nb1")
	require.NoError(t, err)
	require.NoError(t, sup.Shutdown("nb1"))
	require.False(t, sup.IsAlive("nb1"))
}

func TestShutdownNotifiesSinkOfDeath(t *testing.T) {
	sink := newRecordingSink()
	sup := catSupervisor(t, sink, Config{ShutdownGrace: 200 * time.Millisecond})

	_, err := sup.EnsureKernel("nb1")
	require.NoError(t, err)
	require.NoError(t, sup.Shutdown("nb1"))

	require.Eventually(t, func() bool { return sink.deathCount("nb1") == 1 }, time.Second, 5*time.Millisecond)
}
