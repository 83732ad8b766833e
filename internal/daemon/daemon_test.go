package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/lifecycle"
	"github.com/0lmi/execd/internal/policy"
)

func weekdayClass() string {
	return time.Now().Weekday().String()
}

func writeMarkerPolicy(t *testing.T, path, markerFile string) {
	t.Helper()
	body := fmt.Sprintf("schedule = %s;\nrunagent_socket_dir = no;\nlocal_run_command = /usr/bin/touch %s;\n",
		weekdayClass(), markerFile)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

func TestRunOnceLaunchesWhenScheduleMatches(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.conf")
	markerFile := filepath.Join(dir, "ran")
	writeMarkerPolicy(t, policyPath, markerFile)

	store := policy.NewFileStore()
	initial, err := store.Load(policyPath)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}

	opts := NewOptions()
	opts.PolicyFile = policyPath
	opts.StateDir = dir
	opts.Once = true

	gate := lifecycle.New()
	log := execlog.New("error", false)

	d := New(opts, store, initial, gate, log)
	defer d.Close()

	if err := d.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Give the detached child a moment to create the marker file.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(markerFile); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the scheduled agent to run and create the marker file")
}

func TestRunOnceSkipsLaunchWhenScheduleDoesNotMatch(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.conf")
	markerFile := filepath.Join(dir, "ran")
	body := fmt.Sprintf("schedule = SomeClassThatIsNeverDefined;\nrunagent_socket_dir = no;\nlocal_run_command = /usr/bin/touch %s;\n", markerFile)
	if err := os.WriteFile(policyPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	store := policy.NewFileStore()
	initial, err := store.Load(policyPath)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}

	opts := NewOptions()
	opts.PolicyFile = policyPath
	opts.StateDir = dir
	opts.Once = true

	gate := lifecycle.New()
	log := execlog.New("error", false)

	d := New(opts, store, initial, gate, log)
	defer d.Close()

	if err := d.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(markerFile); err == nil {
		t.Fatal("did not expect the agent to run when no schedule class is defined")
	}
}

func TestRefreshTimeClassesDoesNotLeakStaleClasses(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.conf")
	writeMarkerPolicy(t, policyPath, filepath.Join(dir, "ran"))

	store := policy.NewFileStore()
	initial, err := store.Load(policyPath)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}

	opts := NewOptions()
	opts.PolicyFile = policyPath
	opts.StateDir = dir

	d := New(opts, store, initial, lifecycle.New(), execlog.New("error", false))
	defer d.Close()

	// Simulate a class that was true on a previous tick but is not
	// recomputed by UpdateTimeClasses (e.g. an hour that has since passed).
	d.ctx.PutHard("StaleFromPreviousTick")
	if !d.ctx.IsDefined("StaleFromPreviousTick") {
		t.Fatal("setup: expected the class to be defined before refresh")
	}

	d.refreshTimeClasses()

	if d.ctx.IsDefined("StaleFromPreviousTick") {
		t.Fatal("expected refreshTimeClasses to clear classes that are no longer recomputed, not accumulate them forever")
	}
}

func TestDefinedAndNegatedClassesAreWiredIntoContext(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.conf")
	body := "schedule = NegatedClass;\nrunagent_socket_dir = no;\n"
	if err := os.WriteFile(policyPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	store := policy.NewFileStore()
	initial, err := store.Load(policyPath)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}

	opts := NewOptions()
	opts.PolicyFile = policyPath
	opts.StateDir = dir
	opts.DefinedClasses = map[string]struct{}{"AlwaysOnClass": {}}
	opts.NegatedClasses = map[string]struct{}{"NegatedClass": {}}

	d := New(opts, store, initial, lifecycle.New(), execlog.New("error", false))
	defer d.Close()

	if !d.ctx.IsDefined("AlwaysOnClass") {
		t.Fatal("expected a -D/--define class to be defined in the context")
	}

	d.ctx.PutHard("NegatedClass")
	if d.ctx.IsDefined("NegatedClass") {
		t.Fatal("expected a -N/--negate class to report undefined even if otherwise set")
	}

	d.refreshTimeClasses()
	if !d.ctx.IsDefined("AlwaysOnClass") {
		t.Fatal("expected a -D/--define class to survive the per-tick refresh")
	}
}

func TestPolicyFileWatcherRequestsReloadOnWrite(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.conf")
	if err := os.WriteFile(policyPath, []byte("splaytime = 0;\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	store := policy.NewFileStore()
	initial, err := store.Load(policyPath)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}

	opts := NewOptions()
	opts.PolicyFile = policyPath
	opts.StateDir = dir

	gate := lifecycle.New()
	d := New(opts, store, initial, gate, execlog.New("error", false))
	defer d.Close()

	if d.watcher == nil {
		t.Skip("fsnotify watcher unavailable in this environment")
	}

	time.Sleep(50 * time.Millisecond) // let the watch goroutine start
	if err := os.WriteFile(policyPath, []byte("splaytime = 1;\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gate.ReloadRequested() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected a policy file write to set the reload-requested flag without waiting for a pulse")
}

func TestRunHonorsTerminationPendingOnEntry(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.conf")
	writeMarkerPolicy(t, policyPath, filepath.Join(dir, "ran"))

	store := policy.NewFileStore()
	initial, err := store.Load(policyPath)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}

	opts := NewOptions()
	opts.PolicyFile = policyPath
	opts.StateDir = dir

	gate := lifecycle.New()
	gate.RequestTermination()
	log := execlog.New("error", false)

	d := New(opts, store, initial, gate, log)
	defer d.Close()

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly when termination was already pending")
	}
}
