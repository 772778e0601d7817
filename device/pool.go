package device

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamlab/lanbeam/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultPoolCapacity is the default number of connections a pool holds.
const DefaultPoolCapacity = 32

// DialFunc constructs a connection for a device. The default uses Dial with
// the pool's connection config.
type DialFunc func(identity protocol.Identity, addr *net.UDPAddr) (*Conn, error)

// poolEntry pairs a connection with its last-used timestamp for LRU
// eviction.
type poolEntry struct {
	conn     *Conn
	lastUsed time.Time
}

// Pool is a bounded LRU cache of device connections keyed by identity.
//
// The pool holds strong references to its connections and fully tears one
// down (socket released, pending requests failed) before its slot is
// reused. Hit/miss/eviction counters are tracked for observability only
// and never affect control flow.
type Pool struct {
	mu       sync.Mutex
	capacity int
	entries  map[protocol.Identity]*poolEntry
	dial     DialFunc
	logger   logrus.FieldLogger
	closed   bool

	metrics PoolMetrics
}

// PoolMetrics tracks pool cache behavior. All operations are atomic.
type PoolMetrics struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// PoolMetricsSnapshot is a point-in-time copy of the pool counters.
type PoolMetricsSnapshot struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Snapshot returns a snapshot of the current counters.
func (m *PoolMetrics) Snapshot() PoolMetricsSnapshot {
	return PoolMetricsSnapshot{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
}

// NewPool creates a connection pool holding at most capacity connections
// (capacity <= 0 selects DefaultPoolCapacity). dial may be nil, in which
// case connections are dialed with default settings.
func NewPool(capacity int, dial DialFunc, logger logrus.FieldLogger) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if dial == nil {
		dial = func(identity protocol.Identity, addr *net.UDPAddr) (*Conn, error) {
			return Dial(Config{Identity: identity, Addr: addr, Logger: logger})
		}
	}

	return &Pool{
		capacity: capacity,
		entries:  make(map[protocol.Identity]*poolEntry),
		dial:     dial,
		logger:   logger,
	}
}

// GetOrCreate returns the cached connection for identity, or dials a new
// one. When inserting would exceed capacity, the least-recently-used other
// entry is evicted and fully closed before the new connection is returned.
func (p *Pool) GetOrCreate(identity protocol.Identity, addr *net.UDPAddr) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("device: pool closed")
	}

	if e, ok := p.entries[identity]; ok {
		p.metrics.hits.Add(1)
		e.lastUsed = time.Now()
		return e.conn, nil
	}

	p.metrics.misses.Add(1)

	if len(p.entries) >= p.capacity {
		p.evictLocked()
	}

	conn, err := p.dial(identity, addr)
	if err != nil {
		return nil, fmt.Errorf("device: dial %s: %w", identity, err)
	}

	p.entries[identity] = &poolEntry{conn: conn, lastUsed: time.Now()}

	p.logger.WithFields(logrus.Fields{
		"device": identity.String(),
		"addr":   addr.String(),
		"size":   len(p.entries),
	}).Debug("pooled new connection")

	return conn, nil
}

// evictLocked removes and closes the least-recently-used entry.
// Caller holds p.mu; the eviction completes (socket released) before the
// slot is considered free.
func (p *Pool) evictLocked() {
	var (
		victimID protocol.Identity
		victim   *poolEntry
	)

	for id, e := range p.entries {
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victimID = id
			victim = e
		}
	}

	if victim == nil {
		return
	}

	delete(p.entries, victimID)
	p.metrics.evictions.Add(1)

	if err := victim.conn.Close(); err != nil {
		p.logger.WithError(err).WithField("device", victimID.String()).Warn("error closing evicted connection")
	} else {
		p.logger.WithField("device", victimID.String()).Debug("evicted least-recently-used connection")
	}
}

// Remove closes and drops the connection for identity, if cached.
func (p *Pool) Remove(identity protocol.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[identity]
	if !ok {
		return
	}

	delete(p.entries, identity)
	if err := e.conn.Close(); err != nil {
		p.logger.WithError(err).WithField("device", identity.String()).Warn("error closing removed connection")
	}
}

// Len returns the number of cached connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Metrics returns the pool's counter tracker.
func (p *Pool) Metrics() *PoolMetrics {
	return &p.metrics
}

// Close tears down every cached connection and marks the pool unusable.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("device: pool already closed")
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	for id, e := range entries {
		if err := e.conn.Close(); err != nil {
			p.logger.WithError(err).WithField("device", id.String()).Warn("error closing pooled connection")
		}
	}

	return nil
}
