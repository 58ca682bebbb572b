package description

import (
	"time"

	"github.com/mongocore/driver/address"
)

// ReadPreferenceMode selects which kinds of servers are eligible for a read operation (§4.D).
type ReadPreferenceMode uint8

// These are the supported read preference modes.
const (
	PrimaryMode ReadPreferenceMode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ReadPreference pairs a mode with an ordered list of tag sets. The tag sets are consulted in
// order: the first tag set with at least one matching server is applied as a filter.
type ReadPreference struct {
	Mode    ReadPreferenceMode
	TagSets []TagSet
}

// Selector narrows a topology's servers down to the set eligible for an operation.
type Selector interface {
	SelectServers(Topology) []Server
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(Topology) []Server

// SelectServers implements Selector.
func (f SelectorFunc) SelectServers(t Topology) []Server { return f(t) }

// WriteSelector selects all servers that can accept writes directly: the primary of a replica
// set, any mongos, a standalone, or a load balancer (§4.D step 1: writes require
// primary/mongos/standalone/loadbalancer).
func WriteSelector() Selector {
	return SelectorFunc(func(t Topology) []Server {
		if t.Kind == Single {
			return t.Servers
		}
		var out []Server
		for _, s := range t.Servers {
			if s.WritableKind() {
				out = append(out, s)
			}
		}
		return out
	})
}

// ReadPrefSelector selects servers eligible under the given read preference, including tag-set
// filtering (§4.D steps 2-3).
func ReadPrefSelector(rp ReadPreference) Selector {
	return SelectorFunc(func(t Topology) []Server {
		if t.Kind == Single || t.Kind == LoadBalanced {
			return t.Servers
		}
		if t.Kind == Sharded {
			// Mongos applies read preference on the caller's behalf via $readPreference; any
			// mongos is eligible from the driver's perspective.
			var out []Server
			for _, s := range t.Servers {
				if s.Kind == Mongos {
					out = append(out, s)
				}
			}
			return out
		}

		var candidates []Server
		switch rp.Mode {
		case PrimaryMode:
			for _, s := range t.Servers {
				if s.Kind == RSPrimary {
					candidates = append(candidates, s)
				}
			}
		case PrimaryPreferredMode:
			for _, s := range t.Servers {
				if s.Kind == RSPrimary {
					candidates = append(candidates, s)
				}
			}
			if len(candidates) == 0 {
				candidates = secondaries(t)
			}
		case SecondaryMode:
			candidates = secondaries(t)
		case SecondaryPreferredMode:
			candidates = secondaries(t)
			if len(candidates) == 0 {
				for _, s := range t.Servers {
					if s.Kind == RSPrimary {
						candidates = append(candidates, s)
					}
				}
			}
		case NearestMode:
			for _, s := range t.Servers {
				if s.Kind == RSPrimary || s.Kind == RSSecondary {
					candidates = append(candidates, s)
				}
			}
		}

		return filterByTagSets(candidates, rp)
	})
}

func secondaries(t Topology) []Server {
	var out []Server
	for _, s := range t.Servers {
		if s.Kind == RSSecondary {
			out = append(out, s)
		}
	}
	return out
}

// filterByTagSets applies §4.D step 3: the first tag set (in order) with at least one matching
// server wins; an empty TagSets list matches everything. Primary-mode candidates are never
// tag-filtered since there is only ever one primary.
func filterByTagSets(candidates []Server, rp ReadPreference) []Server {
	if len(rp.TagSets) == 0 || rp.Mode == PrimaryMode {
		return candidates
	}
	for _, ts := range rp.TagSets {
		if len(ts) == 0 {
			return candidates
		}
		var matched []Server
		for _, s := range candidates {
			if ts.ContainsAll(s.Tags) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// LatencySelector narrows candidates to those within threshold of the lowest observed RTT
// (§4.D step 4, the localThresholdMS window).
func LatencySelector(threshold time.Duration) Selector {
	return SelectorFunc(func(t Topology) []Server {
		return ApplyLatencyWindow(t.Servers, threshold)
	})
}

// ApplyLatencyWindow keeps only the candidates within threshold of the minimum RTT among them.
// Servers with no RTT sample yet (RTTSet == false) are always kept, since they have not been
// heartbeated long enough to be excluded on latency grounds.
func ApplyLatencyWindow(candidates []Server, threshold time.Duration) []Server {
	if len(candidates) == 0 {
		return nil
	}
	var min time.Duration
	first := true
	for _, s := range candidates {
		if !s.RTTSet {
			continue
		}
		if first || s.AvgRTT < min {
			min = s.AvgRTT
			first = false
		}
	}
	if first {
		// no server has an RTT sample yet; keep everything.
		return candidates
	}
	var out []Server
	for _, s := range candidates {
		if !s.RTTSet || s.AvgRTT <= min+threshold {
			out = append(out, s)
		}
	}
	return out
}

// CompositeSelector applies a list of selectors in sequence, intersecting a topology snapshot
// into progressively narrower server lists by address.
func CompositeSelector(selectors []Selector) Selector {
	return SelectorFunc(func(t Topology) []Server {
		servers := t.Servers
		for _, sel := range selectors {
			if sel == nil {
				continue
			}
			narrowed := sel.SelectServers(Topology{Kind: t.Kind, Servers: servers})
			servers = narrowed
			if len(servers) == 0 {
				return nil
			}
		}
		return servers
	})
}

// Deprioritize removes any server whose address is in avoid from candidates, unless doing so
// would empty the set — deprioritization is best-effort and must never block a viable selection
// (§4.D step 5).
func Deprioritize(candidates []Server, avoid map[address.Address]struct{}) []Server {
	if len(avoid) == 0 {
		return candidates
	}
	var filtered []Server
	for _, s := range candidates {
		if _, skip := avoid[s.Addr]; !skip {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return candidates
	}
	return filtered
}
