package membership

import (
	"sync"
)

// AddressBook tracks the seed list and the set of currently connected peers.
// The seed list is fixed at construction; the peer set is guarded by a single mutex.
type AddressBook struct {
	self  Address
	seeds []Address

	mu    sync.Mutex
	peers map[Address]struct{}
}

// NewAddressBook creates an address book for the node at self.
// The seed list is copied and never modified afterwards.
func NewAddressBook(self Address, seeds []Address) *AddressBook {
	return &AddressBook{
		self:  self,
		seeds: append([]Address(nil), seeds...),
		peers: make(map[Address]struct{}),
	}
}

// Self returns the local node's address.
func (b *AddressBook) Self() Address {
	return b.self
}

// Seeds returns a copy of the seed list, in load order.
func (b *AddressBook) Seeds() []Address {
	return append([]Address(nil), b.seeds...)
}

// SeedCount returns the number of seeds.
func (b *AddressBook) SeedCount() int {
	return len(b.seeds)
}

// AddPeer adds addr to the peer set. It returns false if addr is the local
// node, the zero address, or already present.
func (b *AddressBook) AddPeer(addr Address) bool {
	if addr.IsZero() || addr == b.self {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.peers[addr]; exists {
		return false
	}
	b.peers[addr] = struct{}{}
	return true
}

// RemovePeer removes addr from the peer set, reporting whether it was present.
func (b *AddressBook) RemovePeer(addr Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.peers[addr]; !exists {
		return false
	}
	delete(b.peers, addr)
	return true
}

// HasPeer reports whether addr is in the peer set.
func (b *AddressBook) HasPeer(addr Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.peers[addr]
	return exists
}

// Peers returns a sorted snapshot of the peer set. Callers iterate the
// snapshot after the lock is released, so no lock is held during I/O.
func (b *AddressBook) Peers() []Address {
	b.mu.Lock()
	snapshot := make([]Address, 0, len(b.peers))
	for addr := range b.peers {
		snapshot = append(snapshot, addr)
	}
	b.mu.Unlock()

	SortAddresses(snapshot)
	return snapshot
}

// PeersExcept returns a snapshot of the peer set without the given addresses.
func (b *AddressBook) PeersExcept(exclude ...Address) []Address {
	peers := b.Peers()
	out := peers[:0]
	for _, p := range peers {
		skip := false
		for _, e := range exclude {
			if p == e {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, p)
		}
	}
	return out
}

// PeerCount returns the size of the peer set.
func (b *AddressBook) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}
