// Package dbrepair models the --skip-db-check sentinel as an opaque
// external collaborator. The storage layer and the repair routine itself
// are out of scope; what remains in scope is the tri-state flag semantics
// and the sentinel-file handshake the original daemon used to avoid
// repeating an expensive check on every restart.
package dbrepair

import "os"

// Mode is the tri-state value --skip-db-check takes: bare (skip), "yes"
// (skip), "no" (perform the check), or unset (perform the check, the
// original's default).
type Mode int

const (
	// Perform runs the (stubbed) check; the default when the flag is absent
	// or explicitly given "no".
	Perform Mode = iota
	// Skip bypasses the check; the default when the flag is bare or "yes".
	Skip
)

// ParseFlag interprets the --skip-db-check value. present is false when the
// flag was not given at all; value is its string argument when it was
// given with "=", or "" for a bare flag.
func ParseFlag(present bool, value string) Mode {
	if !present {
		return Perform
	}
	if value == "" || value == "yes" {
		return Skip
	}
	if value == "no" {
		return Perform
	}
	return Perform
}

// sentinelName is the marker file dropped after a successful check, so
// later restarts do not repeat it. Nothing in this package removes it.
const sentinelName = ".execd-dbcheck-ok"

// Check performs the (stubbed) database consistency check unless mode is
// Skip or a sentinel from a prior successful check is already present in
// stateDir. The repair itself is an external collaborator out of scope
// here; this records only that a check was requested and its sentinel
// state, which is what the reload/startup path actually depends on.
func Check(stateDir string, mode Mode) (skipped bool, err error) {
	if mode == Skip {
		return true, nil
	}

	sentinel := stateDir + "/" + sentinelName
	if _, statErr := os.Stat(sentinel); statErr == nil {
		return true, nil
	}

	// The real check and repair routine lives in the storage layer, out of
	// scope here; a clean pass is recorded so subsequent restarts skip it.
	return false, os.WriteFile(sentinel, []byte("ok\n"), 0o644)
}
