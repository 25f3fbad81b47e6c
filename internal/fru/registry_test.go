package fru

import (
	"testing"
)

func newIdleHandle(id Identity) *Handle {
	h := &Handle{Identity: id, refcount: 1}
	return h
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	h := newIdleHandle(Identity{DeviceAddress: 0x20, DeviceID: 1})

	r.Add(h)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if !h.inRegistry {
		t.Error("inRegistry = false after Add")
	}

	found := r.Lookup(h.Fingerprint())
	if len(found) != 1 || found[0] != h {
		t.Errorf("Lookup = %v, want [h]", found)
	}

	r.Remove(h)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Remove, want 0", r.Len())
	}
	if h.inRegistry {
		t.Error("inRegistry = true after Remove")
	}
}

func TestRegistryIterateHoldsRefDuringVisit(t *testing.T) {
	r := NewRegistry()
	h1 := newIdleHandle(Identity{DeviceID: 1})
	h2 := newIdleHandle(Identity{DeviceID: 2})
	r.Add(h1)
	r.Add(h2)

	var sawRefcounts []int
	r.Iterate(func(h *Handle) {
		h.mu.Lock()
		sawRefcounts = append(sawRefcounts, h.refcount)
		h.mu.Unlock()
	})

	// Each visited handle carries the registry's own reference plus the
	// one Iterate takes before calling the visitor (spec.md §8's pinned
	// property: refcount >= 2 at the moment the visitor runs).
	for _, rc := range sawRefcounts {
		if rc < 2 {
			t.Errorf("refcount during visit = %d, want >= 2", rc)
		}
	}

	h1.mu.Lock()
	finalRC := h1.refcount
	h1.mu.Unlock()
	if finalRC != 2 {
		t.Errorf("h1 refcount after Iterate = %d, want 2 (caller's + registry's)", finalRC)
	}
}

func TestRegistryRemoveUnknownHandleIsNoop(t *testing.T) {
	r := NewRegistry()
	h := newIdleHandle(Identity{DeviceID: 9})
	r.Remove(h)
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryIterateVisitsSnapshotEvenIfRemovedMidIteration(t *testing.T) {
	r := NewRegistry()
	h1 := newIdleHandle(Identity{DeviceID: 1})
	h2 := newIdleHandle(Identity{DeviceID: 2})
	r.Add(h1)
	r.Add(h2)

	visited := 0
	r.Iterate(func(h *Handle) {
		visited++
		if h == h1 {
			r.Remove(h2)
		}
	})

	if visited != 2 {
		t.Errorf("visited %d handles, want 2 (snapshot taken before removal)", visited)
	}
	if r.Len() != 1 {
		t.Errorf("Len() after removal = %d, want 1", r.Len())
	}
}
