package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mongocore/driver/address"
)

// poolConfig carries the connection pool sizing knobs (§5).
type poolConfig struct {
	Address     address.Address
	MaxPoolSize uint64
	DialTimeout time.Duration
}

// pool hands out exclusively-owned connections (§5 "A Connection is owned exclusively... for the
// duration of one operation"), bounding concurrent connections to MaxPoolSize with a weighted
// semaphore. A generation counter lets ClearPool invalidate every connection checked out before a
// SDAM-detected failure without tracking them individually (§4.C).
type pool struct {
	cfg poolConfig
	sem *semaphore.Weighted

	mu         sync.Mutex
	idle       []*connection
	generation uint64
	nextID     uint64
	closed     bool
}

func newPool(cfg poolConfig) *pool {
	maxSize := cfg.MaxPoolSize
	if maxSize == 0 {
		maxSize = 100
	}
	return &pool{cfg: cfg, sem: semaphore.NewWeighted(int64(maxSize))}
}

// checkOut acquires a semaphore slot and returns an idle connection from the pool, or dials a
// fresh one if none is idle (§5).
func (p *pool) checkOut(ctx context.Context) (*connection, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring pool slot for %s: %w", p.cfg.Address, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("pool for %s is closed", p.cfg.Address)
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		gen := p.generation
		p.mu.Unlock()
		if c.generation != gen {
			c.markStale()
			_ = c.Close()
			return p.dial(ctx)
		}
		return c, nil
	}
	p.mu.Unlock()

	return p.dial(ctx)
}

func (p *pool) dial(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	gen := p.generation
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	c, err := newConnection(ctx, p.cfg.Address, fmt.Sprintf("%s[%d]", p.cfg.Address, id), gen, p.cfg.DialTimeout)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return c, nil
}

// checkIn returns a connection to the idle list, releasing its semaphore slot. A stale or failed
// connection is closed instead of reused.
func (p *pool) checkIn(c *connection, failed bool) {
	defer p.sem.Release(1)

	p.mu.Lock()
	discard := p.closed || failed || c.Stale() || c.generation != p.generation
	if !discard {
		p.idle = append(p.idle, c)
	}
	p.mu.Unlock()

	if discard {
		_ = c.Close()
	}
}

// clear invalidates every connection currently checked out, forcing the next dial on each return
// (§4.C "pool of the affected server is cleared" on primary/secondary demotion).
func (p *pool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
}

func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
}
