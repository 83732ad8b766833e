package lifecycle

import "testing"

func TestTerminationIsMonotonic(t *testing.T) {
	g := New()
	if g.TerminationPending() {
		t.Fatal("fresh Gate should not have termination pending")
	}
	g.RequestTermination()
	if !g.TerminationPending() {
		t.Fatal("expected termination pending after RequestTermination")
	}
	// Requesting again must not un-set it; there is no reset operation.
	g.RequestTermination()
	if !g.TerminationPending() {
		t.Fatal("termination flag must stay set")
	}
}

func TestReloadRequestedClears(t *testing.T) {
	g := New()
	if g.ReloadRequested() {
		t.Fatal("fresh Gate should not have reload requested")
	}
	g.RequestReload()
	if !g.ReloadRequested() {
		t.Fatal("expected reload requested")
	}
	g.ClearReloadRequest()
	if g.ReloadRequested() {
		t.Fatal("expected reload flag cleared")
	}
}
