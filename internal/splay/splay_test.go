package splay

import (
	"testing"
	"time"

	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/lifecycle"
)

func TestOffsetDeterministic(t *testing.T) {
	a := Offset("host-a", 120)
	b := Offset("host-a", 120)
	if a != b {
		t.Fatalf("same identity produced different offsets: %d vs %d", a, b)
	}
	if a < 0 || a > 120 {
		t.Fatalf("offset %d out of bound [0, 120]", a)
	}
}

func TestOffsetZeroBound(t *testing.T) {
	if got := Offset("anything", 0); got != 0 {
		t.Fatalf("zero bound should yield 0, got %d", got)
	}
}

func TestOffsetVariesAcrossHosts(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 20; i++ {
		id := time.Duration(i).String()
		seen[Offset(id, 59)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected offsets to vary across distinct identities, got %v", seen)
	}
}

type fakeSleeper struct {
	called    time.Duration
	terminate bool
}

func (f *fakeSleeper) SleepOrHandle(gate *lifecycle.Gate, d time.Duration, log *execlog.Logger) bool {
	f.called = d
	return f.terminate
}

func TestWaitDelegatesOffsetDuration(t *testing.T) {
	fs := &fakeSleeper{}
	gate := lifecycle.New()
	terminated := Wait(gate, fs, "fixed-host", 30, execlog.New("error", false))
	if terminated {
		t.Fatal("did not expect termination")
	}
	want := time.Duration(Offset("fixed-host", 30)) * time.Second
	if fs.called != want {
		t.Fatalf("sleeper called with %v, want %v", fs.called, want)
	}
}

func TestWaitPropagatesTermination(t *testing.T) {
	fs := &fakeSleeper{terminate: true}
	gate := lifecycle.New()
	if !Wait(gate, fs, "fixed-host", 30, execlog.New("error", false)) {
		t.Fatal("expected Wait to propagate the sleeper's termination result")
	}
}
