package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/lease"
	"medialib-jobs/internal/models"
)

// Outcomes of an EnsureRunning call. Every failure mode is a named status,
// never an opaque error across the API boundary.
const (
	StatusSpawned        = "spawned"
	StatusAlreadyRunning = "already_running"
	StatusAtCapacity     = "at_capacity"
	StatusStartFailed    = "start_failed"
)

// RunResult reports what EnsureRunning decided.
type RunResult struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
}

// RunOptions carries per-invocation overrides handed to the spawned worker.
// Zero values mean "use the worker's configured defaults".
type RunOptions struct {
	TimeBudget time.Duration
	MaxJobs    int
}

// Spawner starts a detached worker process for a family and returns its pid.
type Spawner interface {
	Spawn(family string, opts RunOptions) (int, error)
}

// ExecSpawner launches the worker binary via os/exec. The process is
// fire-and-forget: a goroutine reaps it, nothing waits for completion.
type ExecSpawner struct {
	Bin string
}

func (s *ExecSpawner) Spawn(family string, opts RunOptions) (int, error) {
	args := []string{"-family", family}
	if opts.TimeBudget > 0 {
		args = append(args, "-time-budget", opts.TimeBudget.String())
	}
	if opts.MaxJobs > 0 {
		args = append(args, "-max-jobs", strconv.Itoa(opts.MaxJobs))
	}
	cmd := exec.Command(s.Bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Supervisor answers "is a worker for family X already running" via the
// lease and spawns one when capacity allows.
type Supervisor struct {
	leases     *lease.Manager
	spawner    Spawner
	cfg        config.Config
	log        zerolog.Logger
	verifyPoll time.Duration
}

// New constructs a supervisor.
func New(leases *lease.Manager, spawner Spawner, cfg config.Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		leases:     leases,
		spawner:    spawner,
		cfg:        cfg,
		log:        log,
		verifyPoll: 100 * time.Millisecond,
	}
}

// EnsureRunning makes sure a worker process for the family is active,
// subject to the concurrency cap. It blocks only to verify startup, never
// for completion; the spawned worker acquiring a lease slot is the
// acknowledgment. A spawn request that produced no live lease within the verify
// timeout reports start_failed; callers must not assume the worker runs.
func (s *Supervisor) EnsureRunning(ctx context.Context, family string, opts RunOptions) (RunResult, error) {
	valid := false
	for _, f := range models.Families {
		if f == family {
			valid = true
			break
		}
	}
	if !valid {
		return RunResult{}, fmt.Errorf("unknown job family %q", family)
	}

	cap := s.cfg.Concurrency(family)
	before, err := s.leases.ActiveCount(ctx, family, cap)
	if err != nil {
		return RunResult{Status: StatusStartFailed}, fmt.Errorf("lease census: %w", err)
	}
	if before >= cap {
		if cap == 1 {
			return RunResult{Status: StatusAlreadyRunning}, nil
		}
		return RunResult{Status: StatusAtCapacity}, nil
	}

	pid, err := s.spawner.Spawn(family, opts)
	if err != nil {
		s.log.Error().Err(err).Str("family", family).Msg("worker spawn failed")
		return RunResult{Status: StatusStartFailed}, nil
	}
	s.log.Info().Str("family", family).Int("pid", pid).Msg("worker spawned, verifying startup")

	deadline := time.Now().Add(s.cfg.SpawnVerifyTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return RunResult{Status: StatusStartFailed, PID: pid}, ctx.Err()
		case <-time.After(s.verifyPoll):
		}
		now, err := s.leases.ActiveCount(ctx, family, cap)
		if err != nil {
			continue
		}
		if now > before {
			return RunResult{Status: StatusSpawned, PID: pid}, nil
		}
	}

	s.log.Warn().Str("family", family).Int("pid", pid).Msg("worker never acquired a lease slot")
	return RunResult{Status: StatusStartFailed, PID: pid}, nil
}
