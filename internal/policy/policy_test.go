package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writePolicy(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "execd.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestFileStoreLoadValid(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `
schedule = Min00_05, Min30_35;
splaytime = 30;
runagent_allow_users = alice, bob;
local_run_command = /usr/bin/agent -K;
`)

	store := NewFileStore()
	p, err := store.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.ExecdConfig().SplayTime != 30 {
		t.Errorf("splaytime = %d, want 30", p.ExecdConfig().SplayTime)
	}
	if _, ok := p.ExecdConfig().Schedule["Min00_05"]; !ok {
		t.Errorf("schedule missing Min00_05")
	}
	if _, ok := p.ExecdConfig().RunagentAllowUsers["bob"]; !ok {
		t.Errorf("runagent_allow_users missing bob")
	}
	if p.ExecConfig().Command != "/usr/bin/agent" {
		t.Errorf("command = %q", p.ExecConfig().Command)
	}
	if len(p.ExecConfig().Args) != 1 || p.ExecConfig().Args[0] != "-K" {
		t.Errorf("args = %v", p.ExecConfig().Args)
	}
}

func TestFileStoreRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `bogus_key = 1;`)

	store := NewFileStore()
	if store.ArePromisesValid(path) {
		t.Fatal("expected ArePromisesValid to reject unknown key")
	}
	if _, err := store.Load(path); err == nil {
		t.Fatal("expected Load to fail on unknown key")
	}
}

func TestFileStoreEmptyScheduleIsValid(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `splaytime = 0;`)

	store := NewFileStore()
	p, err := store.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.ExecdConfig().Schedule) != 0 {
		t.Errorf("expected empty schedule, got %v", p.ExecdConfig().Schedule)
	}
}

func TestValidatedAtAdvancesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `splaytime = 1;`)

	store := NewFileStore()
	t1, err := store.ValidatedAt(path)
	if err != nil {
		t.Fatalf("ValidatedAt: %v", err)
	}

	// Rewrite with a later mtime.
	future := t1.Add(1)
	writePolicy(t, dir, `splaytime = 2;`)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	t2, err := store.ValidatedAt(path)
	if err != nil {
		t.Fatalf("ValidatedAt: %v", err)
	}
	if !t2.After(t1) {
		t.Errorf("ValidatedAt did not advance: t1=%v t2=%v", t1, t2)
	}
}

func TestExecConfigCloneIsIndependent(t *testing.T) {
	c := &ExecConfig{
		Command:     "agent",
		Args:        []string{"-K"},
		Environment: map[string]string{"A": "1"},
	}
	clone := c.Clone()
	clone.Args[0] = "mutated"
	clone.Environment["A"] = "mutated"

	if c.Args[0] != "-K" {
		t.Errorf("original Args mutated: %v", c.Args)
	}
	if c.Environment["A"] != "1" {
		t.Errorf("original Environment mutated: %v", c.Environment)
	}
}
