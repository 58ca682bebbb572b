// Package session implements logical sessions, cluster-time gossip, and transaction state
// (§3 Data Model "Session", §4.E).
package session

import (
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ClusterClock tracks the topology-wide $clusterTime. Advancement is monotonic under concurrent
// updates: the stored value never moves backward (§5 ordering guarantee 2), enforced here by a
// single compare-and-replace under a mutex rather than lock-free CAS, since BSON timestamp
// comparison is not a single machine word.
type ClusterClock struct {
	mu   sync.Mutex
	time bson.Raw
}

// GetClusterTime returns the current cluster time document, or nil if none has been observed.
func (c *ClusterClock) GetClusterTime() bson.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

// AdvanceClusterTime updates the stored cluster time to the max of the current value and the
// incoming one, per the $clusterTime gossip protocol (§4.E).
func (c *ClusterClock) AdvanceClusterTime(newTime bson.Raw) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = MaxClusterTime(c.time, newTime)
}

// MaxClusterTime returns whichever of the two cluster-time documents has the strictly greater
// "$clusterTime.clusterTime" timestamp value, preferring the existing one on a tie. When one side
// is absent or malformed the other is returned (incoming, if both are malformed).
func MaxClusterTime(current, incoming bson.Raw) bson.Raw {
	if len(current) == 0 {
		return incoming
	}
	if len(incoming) == 0 {
		return current
	}

	ct1, ok1 := clusterTimestamp(current)
	ct2, ok2 := clusterTimestamp(incoming)
	if !ok1 {
		return incoming
	}
	if !ok2 {
		return current
	}
	if compareTimestamp(ct2, ct1) > 0 {
		return incoming
	}
	return current
}

type timestamp struct {
	T, I uint32
}

func compareTimestamp(a, b timestamp) int {
	switch {
	case a.T != b.T:
		if a.T > b.T {
			return 1
		}
		return -1
	case a.I != b.I:
		if a.I > b.I {
			return 1
		}
		return -1
	default:
		return 0
	}
}

func clusterTimestamp(raw bson.Raw) (timestamp, bool) {
	inner, err := raw.LookupErr("$clusterTime", "clusterTime")
	if err != nil {
		return timestamp{}, false
	}
	t, i, ok := inner.TimestampOK()
	if !ok {
		return timestamp{}, false
	}
	return timestamp{T: t, I: i}, true
}
