package topology

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	driverpkg "github.com/mongocore/driver/x/mongo/driver"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/internal/csot"
	"github.com/mongocore/driver/internal/logger"
)

// Config carries the deployment-wide settings a Topology needs at construction time (§4.C, §4.D).
type Config struct {
	SeedList               []address.Address
	ReplicaSetName         string
	HeartbeatFrequency     time.Duration
	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	MaxPoolSize            uint64

	// LogSink receives SDAM heartbeat/state-transition messages (§5 ambient logging). The
	// zero-value logr.Logger has no underlying sink, so Config{} leaves logging disabled.
	LogSink            logr.Logger
	LogComponentLevels map[logger.Component]logger.Level
}

// server bundles one deployment member's monitor and operation connection pool.
type server struct {
	addr address.Address
	mon  *monitor
	pool *pool
	desc atomic.Value // description.Server, refreshed by Topology.apply
}

func (s *server) Connection(ctx context.Context) (driverpkg.Connection, error) {
	conn, err := s.pool.checkOut(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *server) Description() description.Server {
	d, _ := s.desc.Load().(description.Server)
	return d
}

// Topology aggregates the descriptions reported by each server's monitor into a single
// authoritative deployment view, applying the SDAM state-transition rules of §4.C, and serves
// server selection requests per §4.D. It implements driver.Deployment.
type Topology struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	desc    description.Topology
	servers map[address.Address]*server

	closed bool
}

// New constructs a Topology and starts a background monitor for every seed server. The initial
// kind is ReplicaSetNoPrimary whenever a replica set name is configured; without one it is Single
// for exactly one seed and Sharded for several. The kind is refined as hello replies arrive (§4.C).
func New(cfg Config) *Topology {
	kind := description.ReplicaSetNoPrimary
	if cfg.ReplicaSetName == "" {
		if len(cfg.SeedList) == 1 {
			kind = description.Single
		} else {
			kind = description.Sharded
		}
	}

	t := &Topology{
		cfg:     cfg,
		desc:    description.Topology{Kind: kind},
		servers: make(map[address.Address]*server),
	}
	t.cond = sync.NewCond(&t.mu)

	if cfg.LogSink.GetSink() != nil {
		t.log = logger.New(cfg.LogSink, cfg.LogComponentLevels)
		logger.StartPrintListener(t.log)
	}

	for _, addr := range cfg.SeedList {
		t.addServer(addr)
	}
	return t
}

func (t *Topology) addServer(addr address.Address) {
	canon := addr.Canonicalize()
	srv := &server{
		addr: canon,
		pool: newPool(poolConfig{Address: canon, MaxPoolSize: t.cfg.MaxPoolSize}),
	}
	srv.mon = newMonitor(canon, t.cfg.HeartbeatFrequency, func(d description.Server) {
		t.apply(canon, d)
	}, t.log)
	t.servers[canon] = srv

	t.mu.Lock()
	t.desc.Servers = append(t.desc.Servers, description.DefaultServer(canon))
	t.mu.Unlock()

	srv.mon.start(context.Background())
}

// apply folds one server's newly observed description into the topology, implementing the SDAM
// state-transition table of §4.C: an RSPrimary observation atomically demotes any other server
// currently believed to be primary (invariant 1), a stale topologyVersion/setVersion+electionID
// pair is ignored (§4.C), and every transition bumps the topology-wide generation (invariant 3).
func (t *Topology) apply(addr address.Address, newDesc description.Server) {
	t.mu.Lock()
	defer t.mu.Unlock()

	servers := make([]description.Server, 0, len(t.desc.Servers))
	found := false
	for _, s := range t.desc.Servers {
		if s.Addr != addr {
			servers = append(servers, s)
			continue
		}
		found = true
		if stale(s, newDesc) {
			servers = append(servers, s)
			continue
		}
		servers = append(servers, newDesc)
	}
	if !found {
		servers = append(servers, newDesc)
	}

	if newDesc.Kind == description.RSPrimary {
		for i, s := range servers {
			if s.Addr != addr && s.Kind == description.RSPrimary {
				servers[i] = description.DefaultServer(s.Addr)
				if p, ok := t.servers[s.Addr]; ok {
					p.pool.clear()
				}
			}
		}
	}

	prevKind := t.desc.Kind
	t.desc.Servers = servers
	t.desc.Generation++
	t.recomputeKindLocked()

	t.desc.CompatibilityErr = nil
	if wv, ok := t.desc.WireVersionRange(); ok && wv.Empty() {
		t.desc.CompatibilityErr = driverpkg.CompatibilityError{Message: "servers in the topology share no common wire version"}
	}

	if t.log != nil && t.desc.Kind != prevKind {
		t.log.Print(logger.ComponentTopology, logger.LevelInfo, "topology description changed",
			"previousKind", prevKind.String(), "newKind", t.desc.Kind.String())
	}

	for _, s := range servers {
		if srv, ok := t.servers[s.Addr]; ok {
			srv.desc.Store(s)
		}
	}

	if newDesc.Kind == description.Unknown {
		if s, ok := t.servers[addr]; ok {
			s.pool.clear()
		}
	}

	t.cond.Broadcast()
}

// stale reports whether newDesc should be ignored in favor of the already-stored description,
// per the topologyVersion/electionID ordering rules of §4.C.
func stale(existing, newDesc description.Server) bool {
	if description.CompareTopologyVersion(existing.TopologyVersion, newDesc.TopologyVersion) > 0 {
		return true
	}
	if existing.HasElectionID && newDesc.HasElectionID && existing.Kind == description.RSPrimary && newDesc.Kind == description.RSPrimary {
		if existing.ElectionID != newDesc.ElectionID && existing.HasSetVersion && newDesc.HasSetVersion && existing.SetVersion > newDesc.SetVersion {
			return true
		}
	}
	return false
}

// recomputeKindLocked derives the topology-wide kind from the current server set. Callers must
// hold t.mu.
func (t *Topology) recomputeKindLocked() {
	if t.desc.Kind == description.Single {
		return
	}
	hasPrimary := false
	for _, s := range t.desc.Servers {
		if s.Kind == description.RSPrimary {
			hasPrimary = true
		}
		if s.Kind == description.Mongos {
			t.desc.Kind = description.Sharded
			return
		}
	}
	if hasPrimary {
		t.desc.Kind = description.ReplicaSetWithPrimary
	} else if t.desc.Kind != description.Sharded {
		t.desc.Kind = description.ReplicaSetNoPrimary
	}
}

// Description implements driver.Deployment.
func (t *Topology) Description() description.Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

// ErrServerSelectionTimeout is returned when no server satisfying the selector became available
// before the selection timeout elapsed (§4.D, §7 kind Selection).
var ErrServerSelectionTimeout = fmt.Errorf("server selection timed out")

// SelectServer implements §4.D: it repeatedly narrows the current topology snapshot with sel,
// applies the latency window, and blocks on topology changes (woken by apply's Broadcast) until a
// candidate exists or the deadline passes, which returns ErrServerSelectionTimeout. The effective
// deadline is the minimum of the caller's own context deadline and the configured
// serverSelectionTimeoutMS (§5 "deadlines propagate from the caller's operation timeout"),
// computed by csot.WithServerSelectionTimeout. It takes no set of servers to avoid, so no
// deprioritization is applied: description.Deprioritize is not called here, and a retry may
// select the same server again.
func (t *Topology) SelectServer(ctx context.Context, sel description.Selector) (driverpkg.Server, error) {
	timeout := t.cfg.ServerSelectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := csot.WithServerSelectionTimeout(ctx, timeout)
	defer cancel()
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	threshold := t.cfg.LocalThreshold
	if threshold <= 0 {
		threshold = 15 * time.Millisecond
	}

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, fmt.Errorf("topology is closed")
		}
		if t.desc.CompatibilityErr != nil {
			err := t.desc.CompatibilityErr
			t.mu.Unlock()
			return nil, err
		}

		candidates := sel.SelectServers(t.desc)
		candidates = description.ApplyLatencyWindow(candidates, threshold)

		if len(candidates) > 0 {
			chosen := candidates[pickIndex(len(candidates))]
			srv, ok := t.servers[chosen.Addr]
			t.mu.Unlock()
			if !ok {
				continue
			}
			return srv, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.mu.Unlock()
			return nil, ErrServerSelectionTimeout
		}

		gen := t.desc.Generation
		woke := make(chan struct{})
		go func() {
			t.mu.Lock()
			if t.desc.Generation == gen {
				t.cond.Wait()
			}
			t.mu.Unlock()
			close(woke)
		}()

		t.mu.Unlock()
		select {
		case <-woke:
		case <-ctx.Done():
			t.cond.Broadcast() // release the waiting goroutine above
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrServerSelectionTimeout
			}
			return nil, ctx.Err()
		case <-time.After(remaining):
			t.cond.Broadcast()
			return nil, ErrServerSelectionTimeout
		}
	}
}

// pickIndex returns an index into a candidate list of the given length, distributing selections
// across otherwise-equivalent servers (§4.D: candidates within the latency window are
// interchangeable). A single candidate always resolves to index 0 without consulting any source
// of randomness.
func pickIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return int(time.Now().UnixNano()) % n
}

// RequestImmediateCheck asks every server's monitor to heartbeat now instead of waiting out its
// remaining interval (§4.C). Nothing in this module calls it; the operation executor does not
// request a check on a "not primary"/node-is-recovering error.
func (t *Topology) RequestImmediateCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.servers {
		s.mon.requestImmediateCheck()
	}
}

// Close stops every server monitor and releases connection pools.
func (t *Topology) Close() {
	t.mu.Lock()
	t.closed = true
	servers := make([]*server, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.mu.Unlock()

	for _, s := range servers {
		s.mon.stop()
		s.pool.close()
	}

	if t.log != nil {
		t.log.Close()
	}
}
