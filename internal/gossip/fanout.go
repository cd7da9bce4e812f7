package gossip

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"gossipnet/internal/membership"
)

// MaxFanout caps the number of targets of a single broadcast.
const MaxFanout = 4

// FanoutPolicy picks how many targets a broadcast samples.
type FanoutPolicy int

const (
	// Majority targets floor(n/2)+1 peers, n being the seed list size.
	Majority FanoutPolicy = iota
	// Random targets a uniformly random count in [1, n].
	Random
)

// String returns the string representation of FanoutPolicy.
func (p FanoutPolicy) String() string {
	switch p {
	case Majority:
		return "majority"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// ParseFanoutPolicy parses "majority" or "random".
func ParseFanoutPolicy(s string) (FanoutPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "majority", "":
		return Majority, nil
	case "random":
		return Random, nil
	default:
		return Majority, fmt.Errorf("unknown fanout policy %q (expected majority or random)", s)
	}
}

// FanoutSize returns the target count for a base of n, never above MaxFanout.
func FanoutSize(policy FanoutPolicy, n int, rng *rand.Rand) int {
	var k int
	switch policy {
	case Random:
		if n < 1 {
			n = 1
		}
		k = 1 + rng.IntN(n)
	default:
		if n < 0 {
			n = 0
		}
		k = n/2 + 1
	}
	return min(k, MaxFanout)
}

// SelectFanout samples distinct targets from candidates, uniformly and
// without replacement. The count comes from FanoutSize over base and is
// clipped to len(candidates).
func SelectFanout(policy FanoutPolicy, base int, candidates []membership.Address, rng *rand.Rand) []membership.Address {
	k := min(FanoutSize(policy, base, rng), len(candidates))
	if k <= 0 {
		return nil
	}

	perm := rng.Perm(len(candidates))
	targets := make([]membership.Address, 0, k)
	for _, i := range perm[:k] {
		targets = append(targets, candidates[i])
	}
	return targets
}
