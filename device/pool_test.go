package device

import (
	"net"
	"testing"
	"time"

	"github.com/beamlab/lanbeam/protocol"
)

// poolDialer builds pooled connections over fake transports and remembers
// each transport so tests can check which connections were torn down.
type poolDialer struct {
	transports map[protocol.Identity]*fakeTransport
}

func newPoolDialer() *poolDialer {
	return &poolDialer{transports: make(map[protocol.Identity]*fakeTransport)}
}

func (d *poolDialer) dial(identity protocol.Identity, addr *net.UDPAddr) (*Conn, error) {
	tr := newFakeTransport()
	d.transports[identity] = tr
	return NewConn(Config{Identity: identity, Addr: addr}, tr)
}

func (d *poolDialer) closed(identity protocol.Identity) bool {
	tr, ok := d.transports[identity]
	if !ok {
		return false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

func ident(n byte) protocol.Identity {
	return protocol.Identity{0xd0, 0x73, 0xd5, 0, 0, n}
}

func TestPoolHitMiss(t *testing.T) {
	d := newPoolDialer()
	pool := NewPool(4, d.dial, nil)
	defer pool.Close()

	c1, err := pool.GetOrCreate(ident(1), testAddr)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	c2, err := pool.GetOrCreate(ident(1), testAddr)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if c1 != c2 {
		t.Error("second lookup for the same identity dialed a new connection")
	}

	snap := pool.Metrics().Snapshot()
	if snap.Hits != 1 || snap.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", snap.Hits, snap.Misses)
	}
	if pool.Len() != 1 {
		t.Errorf("Len() = %d, want 1", pool.Len())
	}
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	d := newPoolDialer()
	pool := NewPool(2, d.dial, nil)
	defer pool.Close()

	if _, err := pool.GetOrCreate(ident(1), testAddr); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := pool.GetOrCreate(ident(2), testAddr); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// Touch 1 so 2 becomes the LRU entry.
	if _, err := pool.GetOrCreate(ident(1), testAddr); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// Inserting 3 must evict 2, not 1 and not 3 itself.
	if _, err := pool.GetOrCreate(ident(3), testAddr); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if !d.closed(ident(2)) {
		t.Error("LRU victim's connection was not closed")
	}
	if d.closed(ident(1)) {
		t.Error("recently used connection was evicted")
	}
	if d.closed(ident(3)) {
		t.Error("freshly inserted connection was evicted")
	}
	if pool.Len() != 2 {
		t.Errorf("Len() = %d, want 2", pool.Len())
	}
	if snap := pool.Metrics().Snapshot(); snap.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", snap.Evictions)
	}
}

func TestPoolRemove(t *testing.T) {
	d := newPoolDialer()
	pool := NewPool(4, d.dial, nil)
	defer pool.Close()

	if _, err := pool.GetOrCreate(ident(1), testAddr); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	pool.Remove(ident(1))

	if !d.closed(ident(1)) {
		t.Error("removed connection was not closed")
	}
	if pool.Len() != 0 {
		t.Errorf("Len() = %d, want 0", pool.Len())
	}

	// Removing an unknown identity is a no-op.
	pool.Remove(ident(9))
}

func TestPoolClose(t *testing.T) {
	d := newPoolDialer()
	pool := NewPool(4, d.dial, nil)

	for i := byte(1); i <= 3; i++ {
		if _, err := pool.GetOrCreate(ident(i), testAddr); err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i := byte(1); i <= 3; i++ {
		if !d.closed(ident(i)) {
			t.Errorf("connection %d not closed on pool Close", i)
		}
	}

	if _, err := pool.GetOrCreate(ident(4), testAddr); err == nil {
		t.Error("GetOrCreate succeeded on a closed pool")
	}
	if err := pool.Close(); err == nil {
		t.Error("second Close succeeded, want error")
	}
}
