// Package wire defines the gossip message union exchanged by peers and seeds,
// its protobuf wire encoding, and the content fingerprint used for
// deduplication.
//
// Frames are encoded field by field with protowire rather than generated
// code; timestamps are nested google.protobuf.Timestamp messages. The relay
// field records the last forwarder and is excluded from the fingerprint, so a
// message hashes the same no matter which peer hands it on.
package wire
