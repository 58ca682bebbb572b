// Package topology implements the server monitor (§4.B), topology description aggregation
// (§4.C), and server selection (§4.D) against a live deployment.
package topology

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
)

// connection is a single TCP connection to one server, framing reads/writes around the wire
// protocol's 4-byte little-endian length prefix (§4.A, §6). It implements driver.Connection.
type connection struct {
	nc       net.Conn
	addr     address.Address
	id       string
	desc     atomic.Value // description.Server
	generation uint64
	stale    int32

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newConnection(ctx context.Context, addr address.Address, id string, generation uint64, dialTimeout time.Duration) (*connection, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	nc, err := dialer.DialContext(ctx, addr.Network(), string(addr))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c := &connection{nc: nc, addr: addr, id: id, generation: generation}
	c.desc.Store(description.DefaultServer(addr))
	return c, nil
}

// WriteWireMessage implements driver.Connection.
func (c *connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
	}
	_, err := c.nc.Write(wm)
	return err
}

// ReadWireMessage implements driver.Connection, reading exactly one framed message.
func (c *connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(dl)
	}

	var lenBuf [4]byte
	if _, err := readFull(c.nc, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if length < 16 {
		return nil, fmt.Errorf("invalid wire message length %d", length)
	}
	buf := make([]byte, length)
	copy(buf, lenBuf[:])
	if _, err := readFull(c.nc, buf[4:]); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Description implements driver.Connection.
func (c *connection) Description() description.Server { return c.desc.Load().(description.Server) }

func (c *connection) setDescription(d description.Server) { c.desc.Store(d) }

// Close implements driver.Connection.
func (c *connection) Close() error { return c.nc.Close() }

// ID implements driver.Connection.
func (c *connection) ID() string { return c.id }

// Stale implements driver.Connection: a connection is stale once its pool generation has been
// superseded, e.g. by ClearPool on a detected primary failure (§4.C).
func (c *connection) Stale() bool { return atomic.LoadInt32(&c.stale) == 1 }

func (c *connection) markStale() { atomic.StoreInt32(&c.stale, 1) }
