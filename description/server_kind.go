package description

// ServerKind represents the type of a single server in a deployment, as derived from the most
// recent hello/isMaster reply (or from a connection error).
type ServerKind uint32

// These constants are the possible kinds of servers that can be described by the hello command
// response.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	LoadBalancer
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	}
	return "Unknown"
}

// TopologyKind represents the type of a topology as a whole.
type TopologyKind uint32

// These constants are the possible kinds of a topology.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	}
	return "Unknown"
}
