// Package splay implements the splay timer (C5): a deterministic,
// host-identity-derived jitter so fleets of hosts decorrelate without any
// intra-host randomness.
package splay

import (
	"crypto/sha256"
	"os"
	"time"

	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/lifecycle"
)

// HostIdentity returns a stable per-host identifier: the contents of
// /etc/machine-id if readable, falling back to the hostname. Either source
// is stable across restarts of this daemon on the same host, which is the
// only property Offset depends on.
func HostIdentity() string {
	if b, err := os.ReadFile("/etc/machine-id"); err == nil {
		return string(b)
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown-host"
}

// Offset returns the deterministic splay offset in [0, bound] seconds for
// the given host identity. The same identity and bound always yield the
// same offset; different hosts (almost always) yield different offsets,
// which is what prevents synchronized runs across a fleet without
// introducing any jitter within a single host's own cycle.
func Offset(identity string, bound int) int {
	if bound <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(identity))
	// Fold the hash into a uint64 and reduce modulo (bound+1) so the result
	// is always in [0, bound].
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(sum[i])
	}
	return int(h % uint64(bound+1))
}

// Sleeper is satisfied by anything that can perform the multiplexed sleep
// required by the daemon's suspension contract (the daemon also calls a
// Sleeper directly for the pulse sleep): a bound runagent listener, or a
// plain degraded sleep when none is active.
type Sleeper interface {
	SleepOrHandle(gate *lifecycle.Gate, d time.Duration, log *execlog.Logger) (terminated bool)
}

// Wait sleeps for the splay offset derived from identity and bound,
// delegating to sleeper so the wait stays responsive to listener readiness
// and termination exactly like every other suspension point. It returns
// true if termination was observed during the wait.
func Wait(gate *lifecycle.Gate, sleeper Sleeper, identity string, bound int, log *execlog.Logger) bool {
	offset := Offset(identity, bound)
	return sleeper.SleepOrHandle(gate, time.Duration(offset)*time.Second, log)
}
