package description

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongocore/driver/address"
)

// Topology is an immutable snapshot of the authoritative cluster view (§3 Data Model). A new
// Topology value is produced on every state transition; readers always observe a consistent,
// point-in-time snapshot (§5 shared-read, exclusive-write).
type Topology struct {
	Kind       TopologyKind
	Servers    []Server
	SetName    string
	MaxSetVersion int64
	MaxElectionID bson.ObjectID

	ClusterTime bson.Raw

	// CompatibilityErr is set when the cluster-wide wire-version intersection is empty; all
	// operations against an incompatible topology fail fast (§4.C).
	CompatibilityErr error

	// Generation strictly increases on every state transition (§3 invariant 3).
	Generation uint64
}

// Server looks up the description for a given address, if known.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// Primary returns the current RSPrimary, if any.
func (t Topology) Primary() (Server, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return Server{}, false
}

// WireVersionRange computes the intersection of wire-version ranges across all non-Unknown
// servers currently known to the topology (§4.C).
func (t Topology) WireVersionRange() (VersionRange, bool) {
	var (
		first = true
		out   VersionRange
	)
	for _, s := range t.Servers {
		if s.Kind == Unknown || !s.HasWireVersion {
			continue
		}
		if first {
			out = s.WireVersion
			first = false
			continue
		}
		out = out.Intersect(s.WireVersion)
	}
	return out, !first
}

// String implements the fmt.Stringer interface.
func (t Topology) String() string {
	str := fmt.Sprintf("Type: %s, Servers: [", t.Kind)
	for i, s := range t.Servers {
		if i != 0 {
			str += ", "
		}
		str += s.String()
	}
	return str + "]"
}

// SelectedServer pairs a single selected Server description with the topology kind it was
// selected from, needed by some selection predicates (e.g. mongos-vs-single SlaveOK behavior).
type SelectedServer struct {
	Server
	TopologyKind TopologyKind
}
