package fru

import (
	"sync"

	"github.com/ipmi-sim/serv/internal/metrics"
)

// Registry is a per-domain ordered collection of FRU handles with
// reference-counted safe iteration (spec.md §4.6): Iterate takes a
// registry-lock-protected reference on each handle before calling the
// visitor without holding the registry lock, so a visitor may safely call
// back into Registry (e.g. Remove) without deadlocking.
type Registry struct {
	mu      sync.Mutex
	order   []*Handle
	byFinge map[uint64][]*Handle
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byFinge: make(map[uint64][]*Handle)}
}

// Add inserts h, taking the registry's own strong reference (spec.md §3:
// "in_registry == true implies the registry holds one strong reference").
func (r *Registry) Add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.mu.Lock()
	h.inRegistry = true
	h.ref()
	h.mu.Unlock()

	r.order = append(r.order, h)
	fp := h.Fingerprint()
	r.byFinge[fp] = append(r.byFinge[fp], h)
	metrics.FRURegistrySize.Set(float64(len(r.order)))
}

// Remove deletes h from the registry, dropping the registry's reference.
// If h is not present this is a no-op. Lock order is registry-then-handle,
// per spec.md §5 (registry lock → FRU lock, never reverse).
func (r *Registry) Remove(h *Handle) {
	r.mu.Lock()
	found := false
	for i, e := range r.order {
		if e == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			found = true
			break
		}
	}
	if found {
		fp := h.Fingerprint()
		list := r.byFinge[fp]
		for i, e := range list {
			if e == h {
				r.byFinge[fp] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.byFinge[fp]) == 0 {
			delete(r.byFinge, fp)
		}
	}
	metrics.FRURegistrySize.Set(float64(len(r.order)))
	r.mu.Unlock()

	if !found {
		return
	}
	h.mu.Lock()
	h.inRegistry = false
	h.unref()
}

// Len reports the number of handles currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Lookup returns the handles matching a given identity fingerprint (there
// can be more than one only if callers register duplicate identities,
// which is otherwise the caller's error).
func (r *Registry) Lookup(fingerprint uint64) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byFinge[fingerprint]
	out := make([]*Handle, len(list))
	copy(out, list)
	return out
}

// Iterate visits every handle present at the moment of the call, in
// registration order. Each handle is ref'd under the registry lock before
// the visitor runs and deref'd after (spec.md §4.6, §8's pinned property:
// "each visited FRU has refcount >= 2... at the moment the visitor is
// called"). A handle removed mid-iteration is still visited, since the
// snapshot already holds its own reference.
func (r *Registry) Iterate(visit func(h *Handle)) {
	r.mu.Lock()
	snapshot := make([]*Handle, len(r.order))
	copy(snapshot, r.order)
	for _, h := range snapshot {
		h.mu.Lock()
		h.ref()
		h.mu.Unlock()
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		visit(h)
		h.mu.Lock()
		h.unref()
	}
}
