//go:build !windows

package runagent

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
)

// RunHandler is the entry point for the isolated per-request child spawned
// by spawnHandler: it runs entirely in its own process, so a parsing bug or
// a runaway request can never destabilize the daemon (spec.md §4.7, §9).
// It restores the default disposition of SIGPIPE before any I/O (the parent
// ignores it process-wide; a handler writing to a client that hung up
// should die normally, not carry the parent's disposition), then invokes
// HandleRunagentRequest on fd 3 (the sole ExtraFiles entry) and exits 0
// regardless of outcome — any failure here is isolated by construction.
func RunHandler() {
	signal.Reset(syscall.SIGPIPE)

	command := os.Getenv(HandlerCommandEnv)

	f := os.NewFile(3, "runagent-conn")
	if f == nil {
		os.Exit(1)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		os.Exit(1)
	}
	defer conn.Close()

	HandleRunagentRequest(conn, command)
	os.Exit(0)
}

// HandleRunagentRequest implements the minimal request/response contract
// for an on-demand run: read nothing from the client (a bare connect is
// the request), run local_run_command to completion, and stream its
// combined output back over the connection before closing it. The wire
// protocol proper is out of scope (spec.md §1, §6.4); this is the smallest
// behavior that lets a local client trigger and observe an on-demand run.
func HandleRunagentRequest(conn net.Conn, localRunCommand string) {
	if strings.TrimSpace(localRunCommand) == "" {
		fmt.Fprintln(conn, "no local_run_command configured")
		return
	}

	fields := strings.Fields(localRunCommand)
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stdout = conn
	cmd.Stderr = conn
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(conn, "run failed: %v\n", err)
	}
}
