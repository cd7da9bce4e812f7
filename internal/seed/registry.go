// Package seed implements the bootstrap registry role: seeds record which
// peers announced themselves, drop peers reported dead, and answer liveness
// probes and membership queries.
package seed

import (
	"sync"
	"sync/atomic"
	"time"

	"gossipnet/internal/membership"
	"gossipnet/internal/telemetry"
	"gossipnet/internal/wire"
)

// Registry maps the address a peer registered from to the address it
// reported for itself. The key is the observed host of the registering
// connection combined with the listen port the peer announced, since the
// connection's own port is ephemeral.
type Registry struct {
	mu      sync.Mutex
	entries map[membership.Address]membership.Address

	snapshot atomic.Pointer[[]membership.Address]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[membership.Address]membership.Address)}
	r.publishLocked()
	return r
}

// Register records that observed reported self as its address. Repeated
// registration overwrites the previous entry.
func (r *Registry) Register(observed, self membership.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[observed] = self
	r.publishLocked()
}

// Remove deletes the entry keyed by addr together with any entry whose
// reported address is addr. It reports whether anything was removed.
func (r *Registry) Remove(addr membership.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for observed, self := range r.entries {
		if observed == addr || self == addr {
			delete(r.entries, observed)
			removed = true
		}
	}
	if removed {
		r.publishLocked()
	}
	return removed
}

// Lookup returns the reported address registered from observed.
func (r *Registry) Lookup(observed membership.Address) (membership.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	self, ok := r.entries[observed]
	return self, ok
}

// Snapshot returns the registered addresses, sorted. It does not take the
// lock; the slice must not be modified.
func (r *Registry) Snapshot() []membership.Address {
	return *r.snapshot.Load()
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

func (r *Registry) publishLocked() {
	snap := make([]membership.Address, 0, len(r.entries))
	for observed := range r.entries {
		snap = append(snap, observed)
	}
	membership.SortAddresses(snap)
	r.snapshot.Store(&snap)
	telemetry.RegistrySize.Set(float64(len(snap)))
}

// ReplyLiveness builds the reply self sends for req at now.
func ReplyLiveness(self membership.Address, req wire.Message, now time.Time) wire.Message {
	return wire.NewLivenessReply(now, req.Timestamp, self, req.Origin)
}
