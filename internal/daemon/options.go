// Package daemon implements the main loop (C11): the single tick cycle —
// reap, reload, update time classes, decide, splay, launch, sleep — that
// every other package's contract is written to be driven by.
package daemon

import (
	"github.com/0lmi/execd/internal/dbrepair"
)

// SupervisorKind selects the child-launch strategy, decided once at options
// construction time and never switched per tick.
type SupervisorKind int

const (
	// SupervisorProcess detaches the agent as a plain OS subprocess.
	SupervisorProcess SupervisorKind = iota
	// SupervisorSystemdUnit detaches by starting a systemd transient unit.
	SupervisorSystemdUnit
)

// Options is the immutable configuration built once from CLI parsing; the
// main loop reads it but never mutates it.
type Options struct {
	PolicyFile string
	StateDir   string

	NoFork bool
	Once   bool
	NoLock bool
	DryRun bool

	DefinedClasses  map[string]struct{}
	NegatedClasses  map[string]struct{}

	LogLevel   string
	Timestamps bool
	Inform     bool
	Verbose    bool

	LDLibraryPath string

	RunagentSocketDir string // "" = default, "no" = disabled

	SkipDBCheck dbrepair.Mode

	IgnorePreferredAugments bool

	Supervisor SupervisorKind

	// PulseInterval is the steady-state sleep between ticks, with or
	// without a listener; defaults to 60s (the teacher's and the
	// original's EXECD_PULSE_INTERVAL default) but is exposed here so
	// tests can run many ticks quickly.
	PulseInterval int // seconds
}

// NewOptions returns Options populated with the documented defaults, ready
// for CLI flags to override.
func NewOptions() *Options {
	return &Options{
		StateDir:       "/var/execd",
		DefinedClasses: map[string]struct{}{},
		NegatedClasses: map[string]struct{}{},
		LogLevel:       "info",
		PulseInterval:  60,
		Supervisor:     SupervisorProcess,
	}
}
