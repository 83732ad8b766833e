// Package apoptosis implements programmed self-elimination of prior
// instances of this daemon at startup (C10): enumerate the system process
// table, select entries whose executable basename matches this binary's and
// whose owner is the current user, exclude self, and send SIGTERM.
//go:build !windows

package apoptosis

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/0lmi/execd/internal/execlog"
)

// Run performs one apoptosis pass for the given binary basename, skipping
// the current process. It must run before the runagent listener binds so
// there is no colliding bind (spec.md §4.6). ESRCH (process already gone)
// is ignored; any other kill error is logged but not fatal.
func Run(binaryName string, log *execlog.Logger) {
	procs, err := gopsproc.Processes()
	if err != nil {
		log.Degrading("failed to enumerate process table for apoptosis", "error", err)
		return
	}

	self := os.Getpid()
	myUID := strconv.Itoa(os.Getuid())

	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self {
			continue
		}

		name, err := p.Name()
		if err != nil || filepath.Base(name) != binaryName {
			continue
		}

		uids, err := p.Uids()
		if err != nil || len(uids) == 0 || strconv.Itoa(int(uids[0])) != myUID {
			continue
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			if err == syscall.ESRCH {
				continue // process exited voluntarily, that's fine
			}
			log.Degrading("unable to terminate stale instance", "pid", pid, "error", err)
		}
	}
}
