package ebpftrace

import "testing"

// Attach is expected to fail in this tree (no compiled eBPF object is
// embedded, and/or the build lacks the linux+ebpftrace tags) and must
// do so without panicking, leaving callers free to treat diagnostics
// as simply unavailable.
func TestAttachDegradesWithoutPanicking(t *testing.T) {
	tr, err := Attach(3)
	if err == nil {
		t.Fatal("expected Attach to fail in this build")
	}
	if tr != nil {
		t.Fatal("expected a nil Tracer on failure")
	}
}
