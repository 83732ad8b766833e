// Package supervisor implements the child supervisor (C6): launching the
// managed agent as a detached child, reaping exited children opportunistically,
// and falling back to inline execution when detachment itself fails.
//
// Two concrete strategies satisfy the same Supervisor contract (spec.md §9,
// "Platform split"): ProcessSupervisor detaches a plain OS process,
// UnitSupervisor detaches by starting a systemd transient unit over D-Bus.
// Selection happens once, at daemon.Options construction time, never via
// build tags on the main loop.
//go:build !windows

package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/policy"
)

// Child is the supervisor's record of a launched agent invocation: an
// opaque ID plus its PID and start time. It is owned exclusively by the
// Supervisor and destroyed on reap.
type Child struct {
	ID        string
	Pid       int
	StartedAt time.Time
}

// Supervisor is the contract both launch strategies satisfy.
type Supervisor interface {
	// Launch attempts to detach cfg as a new child invocation. On success
	// it returns immediately with a Child identifier; detach failure is
	// reported via ok=false, in which case the caller (daemon main loop)
	// falls back to running LocalExec inline within the same tick, per
	// spec.md §4.5.
	Launch(cfg *policy.ExecConfig) (child *Child, ok bool)
	// Reap non-blockingly collects any exited children and logs them at
	// debug level. It never waits synchronously for a previously-detached
	// child.
	Reap()
	// LocalExec runs cfg synchronously in the calling goroutine. Used both
	// as the documented Launch fallback and for --once / foreground runs.
	LocalExec(cfg *policy.ExecConfig) error
}

// ProcessSupervisor detaches the agent as a plain OS subprocess
// (setsid, so it survives the daemon's own process group), mirroring the
// original daemon's LocalExecInFork.
type ProcessSupervisor struct {
	log      *execlog.Logger
	mu       sync.Mutex
	children map[string]*exec.Cmd
}

// NewProcessSupervisor returns a Supervisor that launches plain subprocesses.
func NewProcessSupervisor(log *execlog.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{
		log:      log,
		children: make(map[string]*exec.Cmd),
	}
}

func (s *ProcessSupervisor) Launch(cfg *policy.ExecConfig) (*Child, bool) {
	if cfg.Command == "" {
		s.log.Benign("no local_run_command configured, nothing to launch")
		return nil, true
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		id = fmt.Sprintf("child-%d", time.Now().UnixNano())
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = envSlice(cfg.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		s.log.Transient("failed to detach agent process, falling back to inline execution", "error", err)
		return nil, false
	}

	s.mu.Lock()
	s.children[id] = cmd
	s.mu.Unlock()

	return &Child{ID: id, Pid: cmd.Process.Pid, StartedAt: time.Now()}, true
}

func (s *ProcessSupervisor) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cmd := range s.children {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(cmd.Process.Pid, &status, syscall.WNOHANG, nil)
		if err != nil || pid == 0 {
			continue
		}
		s.log.Benign("reaped child process", "id", id, "pid", pid)
		delete(s.children, id)
	}
}

func (s *ProcessSupervisor) LocalExec(cfg *policy.ExecConfig) error {
	if cfg.Command == "" {
		return nil
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = envSlice(cfg.Environment)
	return cmd.Run()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
