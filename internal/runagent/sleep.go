//go:build !windows

package runagent

import (
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/lifecycle"
)

// HandlerFlag is the hidden flag cmd/execd recognizes to re-exec itself as
// an isolated per-request handler instead of running the daemon.
const HandlerFlag = "--runagent-handler"

// HandlerCommandEnv carries local_run_command across the re-exec boundary
// to the handler subprocess.
const HandlerCommandEnv = "EXECD_RUNAGENT_COMMAND"

// SleepOrHandle is the single suspension primitive the main loop uses
// whenever a listener exists (spec.md §4.11). It returns true as soon as
// gate.TerminationPending() is observed, either on entry or during the
// wait. Absent termination, total wall-time suspension equals d minus any
// time spent servicing accepts — the deadline is absolute, not sliding:
// each accept is handled and the listener's deadline is reset to the
// original absolute instant, never extended.
func (l *Listener) SleepOrHandle(gate *lifecycle.Gate, d time.Duration, log *execlog.Logger) (terminated bool) {
	if gate.TerminationPending() {
		return true
	}

	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		if err := l.ln.SetDeadline(deadline); err != nil {
			log.Degrading("failed to set listener deadline", "error", err)
			time.Sleep(remaining)
			break
		}

		conn, err := l.ln.Accept()
		if gate.TerminationPending() {
			if conn != nil {
				conn.Close()
			}
			return true
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break // deadline elapsed, nothing pending
			}
			log.Benign("runagent accept interrupted", "error", err)
			continue
		}

		l.spawnHandler(conn, log)
		// Loop back around; SetDeadline is re-applied to the same
		// absolute `deadline`, so accepts never extend the wait.
	}

	if gate.TerminationPending() {
		return true
	}
	return false
}

// NoListener is a splay.Sleeper that always degrades to PlainSleep, for use
// when no runagent listener is bound (spec.md §4.11: the multiplexed-sleep
// contract degrades gracefully, it does not become a hard dependency on a
// listener existing).
type NoListener struct{}

func (NoListener) SleepOrHandle(gate *lifecycle.Gate, d time.Duration, log *execlog.Logger) bool {
	return PlainSleep(gate, d)
}

// PlainSleep degrades the multiplexed-sleep contract to an ordinary
// interruptible sleep when no listener is bound. It still honors
// termination_pending promptly by polling it in small slices rather than
// blocking for the whole duration uninterruptibly.
func PlainSleep(gate *lifecycle.Gate, d time.Duration) (terminated bool) {
	const slice = 250 * time.Millisecond
	deadline := time.Now().Add(d)
	for {
		if gate.TerminationPending() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return gate.TerminationPending()
		}
		if remaining > slice {
			remaining = slice
		}
		time.Sleep(remaining)
	}
}

// spawnHandler detaches an isolated per-request handler: it re-executes the
// running binary with HandlerFlag, handing the accepted connection's
// descriptor across via ExtraFiles so the handler shares no Go runtime
// state with the parent (a malformed request cannot destabilize the
// daemon). The parent does not wait for the handler before resuming the
// multiplexed wait; a background goroutine reaps it once it exits so it
// never becomes a zombie.
func (l *Listener) spawnHandler(conn net.Conn, log *execlog.Logger) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		log.Benign("accepted connection was not a unix socket, dropping")
		return
	}

	connFile, err := unixConn.File()
	unixConn.Close() // parent closes its copy after detaching, per spec.md §4.7
	if err != nil {
		log.Degrading("failed to extract descriptor for runagent handler", "error", err)
		return
	}
	defer connFile.Close()

	exePath, err := os.Executable()
	if err != nil {
		log.Degrading("failed to resolve own executable for runagent handler", "error", err)
		return
	}

	cmd := exec.Command(exePath, HandlerFlag)
	cmd.ExtraFiles = []*os.File{connFile}
	cmd.Env = append(os.Environ(), HandlerCommandEnv+"="+l.localRunCommand)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.Degrading("failed to fork runagent request handler", "error", err)
		return
	}
	go func() {
		_ = cmd.Wait()
	}()
}

// SetLocalRunCommand records the command string handed to request handlers;
// it is set once at bind time and refreshed on reload.
func (l *Listener) SetLocalRunCommand(cmd string) {
	l.localRunCommand = cmd
}
