package description

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongocore/driver/address"
)

// VersionRange represents a range of wire protocol versions, inclusive of both endpoints.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes returns true if the range includes the given version.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// Empty reports whether the range contains no versions, i.e. the intersection of two
// disjoint ranges.
func (vr VersionRange) Empty() bool {
	return vr.Min > vr.Max
}

// Intersect returns the intersection of two wire version ranges. The result is Empty if the
// ranges do not overlap.
func (vr VersionRange) Intersect(other VersionRange) VersionRange {
	out := VersionRange{Min: vr.Min, Max: vr.Max}
	if other.Min > out.Min {
		out.Min = other.Min
	}
	if other.Max < out.Max {
		out.Max = other.Max
	}
	return out
}

// Tag is a single key/value pair used for tag-set server selection filtering.
type Tag struct {
	Name  string
	Value string
}

// TagSet is an ordered list of tags. A server matches a tag set if every tag in the set is
// present, with an equal value, on the server.
type TagSet []Tag

// ContainsAll reports whether every tag in ts is present with an equal value in candidate.
func (ts TagSet) ContainsAll(candidate TagSet) bool {
	for _, want := range ts {
		found := false
		for _, have := range candidate {
			if have.Name == want.Name && have.Value == want.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TopologyVersion tracks the server's monotonic topologyVersion field, used to detect and
// de-duplicate stale SDAM state transitions (§4.C).
type TopologyVersion struct {
	ProcessID bson.ObjectID
	Counter   int64
}

// CompareTopologyVersion returns -1, 0, or 1 if existing is older than, equal to, or newer than
// incoming. A nil value on either side always compares as "older" to be conservative (any
// observation is accepted when there is nothing to disambiguate against), except that two nils
// compare equal.
func CompareTopologyVersion(existing, incoming *TopologyVersion) int {
	if existing == nil && incoming == nil {
		return 0
	}
	if existing == nil {
		return -1
	}
	if incoming == nil {
		return 1
	}
	if existing.ProcessID != incoming.ProcessID {
		return -1
	}
	switch {
	case existing.Counter < incoming.Counter:
		return -1
	case existing.Counter > incoming.Counter:
		return 1
	default:
		return 0
	}
}

// Server is an immutable snapshot of one known server's state, built from a hello/isMaster
// reply or from a connection error (§3 Data Model).
type Server struct {
	Addr    address.Address
	Kind    ServerKind
	AvgRTT  time.Duration
	RTTSet  bool
	LastErr error

	LastWriteDate time.Time
	SetName       string
	SetVersion    int64
	HasSetVersion bool
	ElectionID    bson.ObjectID
	HasElectionID bool

	TopologyVersion *TopologyVersion

	WireVersion          VersionRange
	HasWireVersion       bool
	MaxBatchCount        int32
	MaxDocumentSize      int32
	MaxMessageSize       int32
	SessionTimeoutMins   int64
	HasSessionTimeout    bool

	Hosts    []string
	Passives []string
	Arbiters []string
	Me       string
	Primary  string
	Tags     TagSet

	HelloOK bool

	// Generation invalidates in-flight operations that observed a stale server: it is bumped
	// every time the server transitions to Unknown (§4.C invariant 2, §5 cancellation).
	Generation uint64
}

// DefaultServer returns the zero-value (Unknown) description for a server that has not yet
// completed its first heartbeat.
func DefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown}
}

// WithError returns a copy of s describing the server as Unknown following a heartbeat or
// network error, bumping the generation counter per §4.C invariant 2.
func (s Server) WithError(err error, generation uint64) Server {
	return Server{
		Addr:       s.Addr,
		Kind:       Unknown,
		LastErr:    err,
		Generation: generation,
	}
}

// SetAverageRTT returns a copy of s with the exponentially-weighted average round trip time set.
func (s Server) SetAverageRTT(d time.Duration) Server {
	s.AvgRTT = d
	s.RTTSet = true
	return s
}

// String implements the fmt.Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %v", s.Tags)
	}
	if s.RTTSet {
		str += fmt.Sprintf(", Average RTT: %s", s.AvgRTT)
	}
	if s.LastErr != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastErr)
	}
	return str
}

// DataBearing reports whether the server can serve reads and writes directly (as opposed to
// RSArbiter/RSGhost/Unknown, which never are selectable for an operation).
func (s Server) DataBearing() bool {
	switch s.Kind {
	case Standalone, RSPrimary, RSSecondary, Mongos, LoadBalancer:
		return true
	default:
		return false
	}
}

// WritableKind reports whether a server of this kind can serve writes directly.
func (s Server) WritableKind() bool {
	switch s.Kind {
	case Standalone, RSPrimary, Mongos, LoadBalancer:
		return true
	default:
		return false
	}
}

// SessionsSupported reports whether the wire-version range supports logical sessions (wire
// version >= 6, first introduced alongside causal consistency).
func SessionsSupported(wv VersionRange) bool {
	return wv.Max >= 6
}
