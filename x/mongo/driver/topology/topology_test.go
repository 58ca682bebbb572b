package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
)

func newTestTopology(addrs ...address.Address) *Topology {
	t := New(Config{SeedList: addrs, ReplicaSetName: "rs0"})
	for _, srv := range t.servers {
		srv.mon.stop()
	}
	return t
}

func countPrimaries(desc description.Topology) int {
	n := 0
	for _, s := range desc.Servers {
		if s.Kind == description.RSPrimary {
			n++
		}
	}
	return n
}

func TestApply_AtMostOnePrimary(t *testing.T) {
	a, b := address.Address("a:27017"), address.Address("b:27017")
	topo := newTestTopology(a, b)

	topo.apply(a, description.Server{Addr: a, Kind: description.RSPrimary, HasWireVersion: true, WireVersion: description.VersionRange{Max: 17}})
	require.Equal(t, 1, countPrimaries(topo.Description()))

	topo.apply(b, description.Server{Addr: b, Kind: description.RSPrimary, HasWireVersion: true, WireVersion: description.VersionRange{Max: 17}})
	desc := topo.Description()
	assert.Equal(t, 1, countPrimaries(desc))
	bDesc, ok := desc.Server(b)
	require.True(t, ok)
	assert.Equal(t, description.RSPrimary, bDesc.Kind)
	aDesc, ok := desc.Server(a)
	require.True(t, ok)
	assert.Equal(t, description.Unknown, aDesc.Kind)
}

func TestApply_GenerationStrictlyIncreases(t *testing.T) {
	a := address.Address("a:27017")
	topo := newTestTopology(a)

	g0 := topo.Description().Generation
	topo.apply(a, description.Server{Addr: a, Kind: description.RSSecondary})
	g1 := topo.Description().Generation
	topo.apply(a, description.Server{Addr: a, Kind: description.RSPrimary})
	g2 := topo.Description().Generation

	assert.Greater(t, g1, g0)
	assert.Greater(t, g2, g1)
}

func TestApply_StaleTopologyVersionIgnored(t *testing.T) {
	a := address.Address("a:27017")
	topo := newTestTopology(a)

	newer := &description.TopologyVersion{Counter: 5}
	older := &description.TopologyVersion{Counter: 1}

	topo.apply(a, description.Server{Addr: a, Kind: description.RSPrimary, TopologyVersion: newer})
	topo.apply(a, description.Server{Addr: a, Kind: description.Unknown, TopologyVersion: older})

	desc, ok := topo.Description().Server(a)
	require.True(t, ok)
	assert.Equal(t, description.RSPrimary, desc.Kind)
}

func TestSelectServer_TimesOutWhenNoCandidates(t *testing.T) {
	a := address.Address("a:27017")
	topo := New(Config{SeedList: []address.Address{a}, ReplicaSetName: "rs0", ServerSelectionTimeout: 50_000_000})
	defer topo.Close()

	_, err := topo.SelectServer(context.Background(), description.WriteSelector())
	assert.ErrorIs(t, err, ErrServerSelectionTimeout)
}
