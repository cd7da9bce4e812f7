// Package membership holds the address types and the peer-side address book:
// the read-only seed list and the mutable set of connected peers.
// It performs no I/O.
package membership
