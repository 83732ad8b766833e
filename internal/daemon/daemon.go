package daemon

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/0lmi/execd/internal/evalctx"
	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/lifecycle"
	"github.com/0lmi/execd/internal/policy"
	"github.com/0lmi/execd/internal/reload"
	"github.com/0lmi/execd/internal/runagent"
	"github.com/0lmi/execd/internal/scheduler"
	"github.com/0lmi/execd/internal/splay"
	"github.com/0lmi/execd/internal/supervisor"
)

// Daemon wires together every core component for one running instance: the
// evaluation context, the active policy via the reload controller, the
// child supervisor, the optional runagent listener, and the termination
// gate. Run drives the tick loop described in spec.md §4.10.
type Daemon struct {
	opts *Options
	log  *execlog.Logger
	gate *lifecycle.Gate

	ctx      *evalctx.Context
	reloader *reload.Controller
	sup      supervisor.Supervisor
	listener *runagent.Listener // nil when disabled or bind failed
	identity string
	watcher  *fsnotify.Watcher // nil if the policy directory could not be watched
}

// New constructs a Daemon from an initial, already-validated policy load
// (a failed initial load is the caller's concern — it is fatal at startup,
// not a reload-controller decision). It attempts to bind the runagent
// listener per Options, degrading to no listener on failure rather than
// refusing to start (spec.md §7: startup-degrading).
func New(opts *Options, store policy.Store, initial *policy.Policy, gate *lifecycle.Gate, log *execlog.Logger) *Daemon {
	ctx := evalctx.New()
	for class := range opts.DefinedClasses {
		ctx.PutHardSticky(class)
	}
	ctx.SetNegated(opts.NegatedClasses)

	reloader := reload.New(store, opts.PolicyFile, ctx, initial, log)

	d := &Daemon{
		opts:     opts,
		log:      log,
		gate:     gate,
		ctx:      ctx,
		reloader: reloader,
		sup:      selectSupervisor(opts, log),
		identity: splay.HostIdentity(),
	}

	cfg := initial.ExecdConfig()
	socketDir := opts.RunagentSocketDir
	if socketDir == "" {
		socketDir = cfg.RunagentSocketDir
	}
	if !runagent.Disabled(socketDir) {
		path := runagent.SocketPath(opts.StateDir, socketDir)
		l, err := runagent.Bind(path, cfg.RunagentAllowUsers, log)
		if err != nil {
			log.Degrading("failed to bind runagent listener, continuing without on-demand runs", "path", path, "error", err)
		} else {
			l.SetLocalRunCommand(cfg.LocalRunCommand)
			d.listener = l
		}
	}

	d.watchPolicyFile(opts.PolicyFile, log)

	return d
}

// watchPolicyFile starts a best-effort fsnotify watch on the policy file's
// parent directory so a write/create/rename event sets gate.RequestReload
// without waiting for the next pulse. It is a latency optimization only —
// Controller.Tick's ValidatedAt poll remains the source of truth for
// whether a reload actually happens (spec.md §4.9); a watcher that fails to
// start is logged and degrades to poll-only reload detection.
func (d *Daemon) watchPolicyFile(path string, log *execlog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Degrading("failed to create policy file watcher, reload will be poll-only", "error", err)
		return
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		log.Degrading("failed to watch policy directory, reload will be poll-only", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	d.watcher = watcher
	base := filepath.Base(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					d.gate.RequestReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Benign("policy file watcher error", "error", err)
			}
		}
	}()
}

func selectSupervisor(opts *Options, log *execlog.Logger) supervisor.Supervisor {
	if opts.Supervisor == SupervisorSystemdUnit {
		if unitSup, err := supervisor.NewUnitSupervisor(log); err == nil {
			return unitSup
		}
		log.Transient("systemd unit supervisor unavailable, falling back to process supervisor")
	}
	return supervisor.NewProcessSupervisor(log)
}

func (d *Daemon) sleeper() splay.Sleeper {
	if d.listener != nil {
		return d.listener
	}
	return runagent.NoListener{}
}

// Close releases the runagent listener and policy file watcher, if either
// was bound. Run calls it on return; a further call is harmless.
func (d *Daemon) Close() {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
}

// Run executes the tick loop until termination is observed or, with
// Options.Once set, after exactly one decision cycle. It always returns nil:
// per-tick failures are logged and absorbed rather than propagated,
// matching spec.md §7's "the daemon never exits on a
// transient per-tick failure" invariant.
func (d *Daemon) Run() error {
	defer d.Close()

	for {
		if d.gate.TerminationPending() {
			return nil
		}

		d.sup.Reap()

		d.runReload()
		d.refreshTimeClasses()

		cfg := d.reloader.Active().ExecdConfig()
		if scheduler.ShouldRun(d.ctx, cfg.Schedule, d.log) {
			if terminated := splay.Wait(d.gate, d.sleeper(), d.identity, cfg.SplayTime, d.log); terminated {
				return nil
			}
			d.launch()
		}

		if d.opts.Once {
			return nil
		}

		if terminated := d.sleeper().SleepOrHandle(d.gate, time.Duration(d.opts.PulseInterval)*time.Second, d.log); terminated {
			return nil
		}
	}
}

// refreshTimeClasses clears the transient per-tick context and rebuilds C1's
// time classes from the current instant. This is the default "environment
// reload" spec.md §4.9 requires on every tick, not only on a full reload:
// without clearing first, a class such as Hr09 would stay defined forever
// once it fired once, since UpdateTimeClasses only ever adds classes and
// never removes one that is no longer true. Sticky (-D) and negated (-N)
// classes survive the clear by construction (evalctx.Context.Clear leaves
// them untouched).
func (d *Daemon) refreshTimeClasses() {
	d.ctx.Clear()
	evalctx.UpdateTimeClasses(d.ctx, time.Now())
}

// runReload performs one reload decision and reacts to its outcome: a full
// reload refreshes the listener's local run command, and one that changed
// the runagent allow-list also re-applies the listener ACL.
func (d *Daemon) runReload() {
	explicit := d.gate.ReloadRequested()
	outcome := d.reloader.Tick(explicit)
	if explicit {
		d.gate.ClearReloadRequest()
	}

	if outcome.Full && d.listener != nil {
		cfg := d.reloader.Active().ExecdConfig()
		if outcome.AllowUsersChanged {
			if err := d.listener.ApplyACL(cfg.RunagentAllowUsers); err != nil {
				d.log.Degrading("failed to re-apply runagent socket ACL after reload", "error", err)
			}
		}
		d.listener.SetLocalRunCommand(cfg.LocalRunCommand)
	}
}

func (d *Daemon) launch() {
	execCfg := d.reloader.Active().ExecConfig().Clone()
	if d.opts.LDLibraryPath != "" {
		execCfg.Environment["LD_LIBRARY_PATH"] = d.opts.LDLibraryPath
	}

	if d.opts.DryRun {
		d.log.Transient("dry run: would launch agent", "command", execCfg.Command)
		return
	}

	if _, ok := d.sup.Launch(execCfg); !ok {
		if err := d.sup.LocalExec(execCfg); err != nil {
			d.log.Transient("inline fallback execution failed", "error", err)
		}
	}
}

// RunOnce performs exactly one decision cycle regardless of Options.Once,
// for tests that want a single deterministic tick without looping. Unlike
// Run, it launches without the splay wait. cmd/execd's --once goes through
// Run with Options.Once set.
func (d *Daemon) RunOnce() error {
	if d.gate.TerminationPending() {
		return fmt.Errorf("termination already pending")
	}
	d.sup.Reap()
	d.runReload()
	d.refreshTimeClasses()
	cfg := d.reloader.Active().ExecdConfig()
	if scheduler.ShouldRun(d.ctx, cfg.Schedule, d.log) {
		d.launch()
	}
	return nil
}
