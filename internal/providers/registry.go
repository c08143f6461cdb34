package providers

import (
	"sync/atomic"
)

// Registry holds the active provider configuration as an immutable snapshot.
// Readers take the whole snapshot with Snapshot and keep using it for the
// duration of a request; Reload swaps in a new snapshot atomically, so a
// request sees either the old or the new configuration in full, never a mix.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	providers []Provider
	version   uint64
}

// NewRegistry creates a registry seeded with the given providers. The slice
// is copied; later mutation of the argument does not affect the registry.
func NewRegistry(provs []Provider) *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{providers: copyProviders(provs), version: 1})
	return r
}

// Snapshot returns the active provider list in configured order. The
// returned slice is shared and must be treated as read-only.
func (r *Registry) Snapshot() []Provider {
	return r.snap.Load().providers
}

// Version returns a counter that increments on every Reload. Useful for
// change detection in health snapshots.
func (r *Registry) Version() uint64 {
	return r.snap.Load().version
}

// Reload atomically replaces the active snapshot. In-flight requests keep
// the snapshot they started with.
func (r *Registry) Reload(provs []Provider) {
	old := r.snap.Load()
	r.snap.Store(&snapshot{providers: copyProviders(provs), version: old.version + 1})
}

// Lookup returns the provider with the given id from the active snapshot.
func (r *Registry) Lookup(id string) (Provider, bool) {
	for _, p := range r.Snapshot() {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// Len returns the number of providers in the active snapshot.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

func copyProviders(provs []Provider) []Provider {
	cp := make([]Provider, len(provs))
	copy(cp, provs)
	return cp
}
