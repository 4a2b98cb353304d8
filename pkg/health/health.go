package health

import (
	"context"
	"time"
)

// CheckType identifies what kind of probe a Checker performs.
type CheckType string

// CheckTypeExec is the only CheckType the broker needs: a kernel
// subprocess is checked by PID, never over the network.
const CheckTypeExec CheckType = "exec"

// Result is the outcome of one liveness probe against a kernel subprocess.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by anything that can probe a kernel subprocess's
// liveness. ProcessChecker (exec.go) is the broker's only implementation.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config holds liveness-debounce settings. The kernel reaper applies only
// Retries (through Status.Update); it polls at the Supervisor's
// ReaperInterval with a fixed 2-second probe context and does not consult
// Interval, Timeout or StartPeriod.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Retries is the number of consecutive failed probes required before
	// a kernel is declared dead.
	Retries int

	// StartPeriod is a grace period after spawn, reported by
	// Status.InStartPeriod.
	StartPeriod time.Duration
}

// DefaultConfig returns the reaper's default debounce settings.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks one kernel session's liveness history across reaper ticks.
type Status struct {
	// ConsecutiveFailures counts failed probes since the last success.
	ConsecutiveFailures int

	// ConsecutiveSuccesses counts successful probes since the last failure.
	ConsecutiveSuccesses int

	// LastCheck is when the most recent probe ran.
	LastCheck time.Time

	// LastResult is the most recent probe's outcome.
	LastResult Result

	// Healthy is false once ConsecutiveFailures has reached the
	// configured Retries threshold.
	Healthy bool

	// StartedAt is when this kernel session began being monitored.
	StartedAt time.Time
}

// NewStatus creates a Status for a freshly spawned kernel session, assumed
// healthy until a probe says otherwise.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds one probe result into the session's liveness history. A
// kernel is declared dead only after ConsecutiveFailures reaches
// config.Retries, so a single transient signal failure under load doesn't
// trigger an unnecessary restart.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}

// InStartPeriod reports whether this kernel session is still within its
// post-spawn grace period.
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}
