// Command execd is a policy-scheduled agent supervisor daemon: it evaluates
// a declarative schedule against wall-clock time classes, launches a
// managed agent with host-derived splay jitter, accepts on-demand run
// requests over a local socket, and reloads its policy when it changes on
// disk.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	pflag "github.com/spf13/pflag"

	"github.com/0lmi/execd/internal/apoptosis"
	"github.com/0lmi/execd/internal/daemon"
	"github.com/0lmi/execd/internal/dbrepair"
	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/lifecycle"
	"github.com/0lmi/execd/internal/pidfile"
	"github.com/0lmi/execd/internal/policy"
	"github.com/0lmi/execd/internal/runagent"
)

const version = "3.24.0-execd"

func main() {
	// The hidden per-request handler path never touches flag parsing or the
	// daemon lifecycle at all: it is a bare re-exec target (spec.md §4.7).
	for _, a := range os.Args[1:] {
		if a == runagent.HandlerFlag {
			runagent.RunHandler()
			return
		}
	}

	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("execd", pflag.ContinueOnError)

	file := fs.StringP("file", "f", "/var/execd/policy.conf", "path to the policy file")
	noFork := fs.BoolP("no-fork", "F", false, "run in the foreground, do not daemonize")
	once := fs.BoolP("once", "O", false, "run a single decision cycle and exit")
	noLock := fs.BoolP("no-lock", "K", false, "do not write or lock the PID file (disables the single-instance guard)")
	dryRun := fs.BoolP("dry-run", "n", false, "log what would run without launching the agent")
	defined := fs.StringP("define", "D", "", "comma-separated classes to define unconditionally")
	negated := fs.StringP("negate", "N", "", "comma-separated classes to negate unconditionally")
	logLevel := fs.StringP("log-level", "g", "info", "log level: trace|debug|info|warn|error")
	debug := fs.BoolP("debug", "d", false, "equivalent to --log-level=debug")
	verbose := fs.BoolP("verbose", "v", false, "verbose logging; also forces foreground, preserving the original's NO_FORK side effect")
	inform := fs.BoolP("inform", "I", false, "equivalent to --log-level=info")
	timestamp := fs.BoolP("timestamp", "l", false, "include timestamps in log lines")
	ldLibraryPath := fs.StringP("ld-library-path", "L", "", "LD_LIBRARY_PATH value propagated to the managed agent")
	stateDir := fs.String("state-dir", "/var/execd", "daemon state directory (pid file, runagent socket, db-check sentinel)")
	runagentSocketDir := fs.String("with-runagent-socket", "", "directory for the runagent socket, or \"no\" to disable it")
	skipDBCheck := fs.String("skip-db-check", "", "yes|no: skip or force the startup consistency check (bare flag means yes)")
	fs.Lookup("skip-db-check").NoOptDefVal = "yes"
	ignorePreferredAugments := fs.Bool("ignore-preferred-augments", false, "ignore preferred policy augmentation files")
	showVersion := fs.BoolP("version", "V", false, "print version and exit")
	printModules := fs.BoolP("modules", "M", false, "print the module/component table and exit")
	showHelp := fs.BoolP("help", "h", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if *showHelp {
		fmt.Fprintln(os.Stderr, fs.FlagUsages())
		return 0
	}
	if *showVersion {
		fmt.Println("execd", version)
		return 0
	}
	if *printModules {
		printModuleTable()
		return 0
	}

	level := *logLevel
	if *verbose {
		level = "debug"
	}
	if *debug {
		level = "debug"
	}
	if *inform {
		level = "info"
	}
	log := execlog.New(level, *timestamp)

	if *verbose {
		*noFork = true
		log.Transient("--verbose forces foreground execution, matching the original's NO_FORK side effect")
	}

	syscall.Umask(0o077)

	if !*noFork && os.Getenv(daemonizedEnv) == "" {
		if err := detach(); err != nil {
			log.Transient("failed to detach into the background, continuing in the foreground", "error", err)
		} else {
			// The parent has started a detached child carrying daemonizedEnv
			// and its job is done.
			return 0
		}
	}

	opts := daemon.NewOptions()
	opts.PolicyFile = *file
	opts.StateDir = *stateDir
	opts.NoFork = *noFork
	opts.Once = *once
	opts.NoLock = *noLock
	opts.DryRun = *dryRun
	opts.DefinedClasses = splitCSVSet(*defined)
	opts.NegatedClasses = splitCSVSet(*negated)
	opts.LogLevel = level
	opts.Timestamps = *timestamp
	opts.Inform = *inform
	opts.Verbose = *verbose
	opts.LDLibraryPath = *ldLibraryPath
	opts.RunagentSocketDir = *runagentSocketDir
	opts.IgnorePreferredAugments = *ignorePreferredAugments

	skipPresent := fs.Changed("skip-db-check")
	opts.SkipDBCheck = dbrepair.ParseFlag(skipPresent, *skipDBCheck)

	if err := os.MkdirAll(opts.StateDir, 0o750); err != nil {
		log.Fatal("failed to create state directory", "dir", opts.StateDir, "error", err)
		return 1
	}

	if _, err := dbrepair.Check(opts.StateDir, opts.SkipDBCheck); err != nil {
		log.Degrading("startup consistency check failed", "error", err)
	}

	if !*once {
		apoptosis.Run(selfBinaryName(), log)
	}

	store := policy.NewFileStore()
	initial, err := store.Load(opts.PolicyFile)
	if err != nil {
		log.Fatal("failed to load initial policy, exiting", "path", opts.PolicyFile, "error", err)
		return 1
	}

	var pf *pidfile.File
	if !opts.NoLock {
		pidPath := filepath.Join(opts.StateDir, "execd.pid")
		pf, err = pidfile.Write(pidPath)
		if err != nil {
			log.Fatal("failed to acquire pid file lock, another instance may be running", "path", pidPath, "error", err)
			return 1
		}
		defer pf.Release()
	}

	gate := lifecycle.New()
	stopSignals := gate.InstallSignalHandlers()
	defer stopSignals()

	d := daemon.New(opts, store, initial, gate, log)
	defer d.Close()

	if err := d.Run(); err != nil {
		log.Fatal("daemon exited with error", "error", err)
		return 1
	}
	return 0
}

// daemonizedEnv marks a process as the already-detached child, so a
// re-exec'd instance does not try to detach again.
const daemonizedEnv = "EXECD_DAEMONIZED"

// detach re-executes the running binary with the same arguments in a new
// session (Setsid), stdio redirected to /dev/null, and an env marker so the
// child does not detach again; the parent returns nil on success, meaning
// its job is done and it should exit. Go has no fork(2) equivalent that
// preserves a single goroutine-free address space, so self re-exec is the
// idiomatic substitute for the original double-fork daemonization.
func detach() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	return cmd.Start()
}

func selfBinaryName() string {
	exe, err := os.Executable()
	if err != nil {
		return "execd"
	}
	return filepath.Base(exe)
}

func splitCSVSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	if s == "" {
		return out
	}
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out[c] = struct{}{}
		}
	}
	return out
}

func printModuleTable() {
	components := []string{
		"C1  Clock & Time Classes       internal/evalctx",
		"C2  Evaluation Context         internal/evalctx",
		"C3  Policy Store               internal/policy",
		"C4  Scheduler                  internal/scheduler",
		"C5  Splay Timer                internal/splay",
		"C6  Child Supervisor           internal/supervisor",
		"C7  Runagent Listener          internal/runagent",
		"C8  Signal & Termination Gate  internal/lifecycle",
		"C9  Reload Controller          internal/reload",
		"C10 Apoptosis                  internal/apoptosis",
		"C11 Daemon Main Loop           internal/daemon, cmd/execd",
	}
	for _, c := range components {
		fmt.Println(c)
	}
}
