// Package gossip implements epidemic dissemination over the peer set.
//
// A message is fingerprinted on arrival. The first sighting is forwarded to
// every peer except the one it came from and then surfaced once; later
// sightings are dropped. Locally originated messages go to a fanout subset
// sized from the seed list (majority or random, capped at MaxFanout).
//
// Limitations:
// - No ordering across the network
// - At-most-once surfacing only within the dedup retention window
// - Sends are best effort, never retried
package gossip
