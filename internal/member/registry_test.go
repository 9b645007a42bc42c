package member

import (
	"sort"
	"testing"
	"time"
)

func TestRegistryGetOrCreateReturnsSameInstance(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("n1")
	b := r.GetOrCreate("n1")
	if a != b {
		t.Fatal("GetOrCreate must return the same PeerState for repeated ids")
	}
}

func TestRegistryActiveFiltersByHealth(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("n1").Observe(true, 0, true, time.Second)
	r.GetOrCreate("n2").Observe(true, 2*time.Second, true, time.Second)
	r.GetOrCreate("n3").Observe(false, 0, true, time.Second)

	active := r.Active()
	sort.Strings(active)
	if len(active) != 1 || active[0] != "n1" {
		t.Fatalf("Active() = %v, want [n1]", active)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("n1").Observe(true, 0, true, time.Second)
	r.Remove("n1")
	if len(r.Active()) != 0 {
		t.Fatal("removed peer must not appear in Active()")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("n1").Observe(true, 5*time.Millisecond, true, time.Second)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() returned %d entries, want 1", len(snap))
	}
	if snap[0].ID != "n1" || !snap[0].Active || snap[0].Status != "STREAMING" {
		t.Fatalf("Snapshot()[0] = %+v, want active STREAMING n1", snap[0])
	}
}
