// Package transport provides the UDP transport layer for the lighting
// protocol.
//
// The transport handles:
//   - UDP socket ownership and lifecycle
//   - Datagram sending and receiving with size bounds
//   - Optional broadcast sending for discovery sockets
//   - Per-IP rate limiting for reply floods
//   - Metrics collection
//   - Graceful shutdown
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// MinDatagramSize is the smallest acceptable datagram: the fixed wire
	// header. Shorter datagrams are dropped before header parsing.
	MinDatagramSize = 36

	// DefaultMaxDatagramSize is the default upper bound on datagram length.
	DefaultMaxDatagramSize = 1024

	// readDeadlineInterval bounds how long the receive loop blocks before
	// rechecking for shutdown.
	readDeadlineInterval = 1 * time.Second
)

// Handler is called for each received datagram that passes the size bounds
// and rate limit. Returns true if the datagram was recognized and consumed.
type Handler func(data []byte, from *net.UDPAddr) bool

// UDPTransport owns one UDP socket and multiplexes received datagrams to
// registered handlers from a single background receive loop.
type UDPTransport struct {
	conn *net.UDPConn

	handlers   []Handler
	handlersMu sync.RWMutex

	maxDatagramSize int

	rateLimiter *RateLimiter

	metrics *Metrics

	done chan struct{}
	wg   sync.WaitGroup

	closed atomic.Bool
}

// Config contains configuration for the UDP transport.
type Config struct {
	// ListenAddr is the address to bind to, e.g. "0.0.0.0:56700".
	// Use port 0 for an ephemeral port.
	ListenAddr string

	// Broadcast enables SO_BROADCAST on the socket so datagrams can be
	// sent to a broadcast address (discovery sockets).
	Broadcast bool

	// MaxDatagramSize bounds both sent and received datagrams
	// (0 = DefaultMaxDatagramSize).
	MaxDatagramSize int

	// RateLimitPerIP is the maximum datagrams per second accepted per
	// source IP (0 = no limit).
	RateLimitPerIP int
}

// NewUDPTransport creates a transport bound to cfg.ListenAddr and starts its
// receive loop. Use AddHandler to register datagram handlers and Close to
// shut down.
func NewUDPTransport(cfg *Config) (*UDPTransport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport: nil config")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("transport: ListenAddr required")
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to listen: %w", err)
	}

	if cfg.Broadcast {
		if err := enableBroadcast(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: failed to enable broadcast: %w", err)
		}
	}

	maxSize := cfg.MaxDatagramSize
	if maxSize <= 0 {
		maxSize = DefaultMaxDatagramSize
	}

	var rateLimiter *RateLimiter
	if cfg.RateLimitPerIP > 0 {
		rateLimiter = NewRateLimiter(cfg.RateLimitPerIP)
	}

	t := &UDPTransport{
		conn:            conn,
		maxDatagramSize: maxSize,
		rateLimiter:     rateLimiter,
		metrics:         NewMetrics(),
		done:            make(chan struct{}),
	}

	t.wg.Add(1)
	go t.receiveLoop()

	return t, nil
}

// enableBroadcast sets SO_BROADCAST on the socket.
func enableBroadcast(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// LocalAddr returns the local UDP address being listened on.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// AddHandler registers a datagram handler. Handlers are tried in
// registration order; the first to return true stops the chain.
func (t *UDPTransport) AddHandler(handler func(data []byte, from *net.UDPAddr) bool) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers = append(t.handlers, Handler(handler))
}

// Send transmits one datagram to the given address.
//
// Thread-safe. Fails if the transport is closed or the datagram exceeds the
// configured maximum size.
func (t *UDPTransport) Send(data []byte, to *net.UDPAddr) error {
	if t.closed.Load() {
		return fmt.Errorf("transport: closed")
	}

	if len(data) > t.maxDatagramSize {
		t.metrics.IncrementSendErrors()
		return fmt.Errorf("transport: datagram too large (%d > %d)", len(data), t.maxDatagramSize)
	}

	deadline := time.Now().Add(5 * time.Second)
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: failed to set write deadline: %w", err)
	}

	n, err := t.conn.WriteToUDP(data, to)
	if err != nil {
		t.metrics.IncrementSendErrors()
		return fmt.Errorf("transport: write failed: %w", err)
	}
	if n != len(data) {
		t.metrics.IncrementSendErrors()
		return fmt.Errorf("transport: incomplete write (%d/%d bytes)", n, len(data))
	}

	t.metrics.RecordSent(uint64(n))
	return nil
}

// dispatch routes one datagram through the handler chain.
func (t *UDPTransport) dispatch(data []byte, from *net.UDPAddr) {
	t.handlersMu.RLock()
	handlers := t.handlers
	t.handlersMu.RUnlock()

	for _, handler := range handlers {
		if handler(data, from) {
			return
		}
	}

	t.metrics.IncrementDropped()
}

// receiveLoop reads datagrams from the socket until Close.
func (t *UDPTransport) receiveLoop() {
	defer t.wg.Done()

	buffer := make([]byte, t.maxDatagramSize+1)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		if err := t.conn.SetReadDeadline(time.Now().Add(readDeadlineInterval)); err != nil {
			return
		}

		n, from, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-t.done:
				return
			default:
			}

			t.metrics.IncrementReceiveErrors()
			continue
		}

		// Size bounds apply before any header parsing.
		if n < MinDatagramSize || n > t.maxDatagramSize {
			t.metrics.IncrementDropped()
			continue
		}

		if t.rateLimiter != nil && !t.rateLimiter.Allow(from.IP) {
			t.metrics.IncrementRateLimited()
			continue
		}

		t.metrics.RecordReceived(uint64(n))

		dataCopy := make([]byte, n)
		copy(dataCopy, buffer[:n])

		t.dispatch(dataCopy, from)
	}
}

// Close shuts the transport down: the receive loop stops and the socket is
// released. Safe to call once; subsequent calls return an error.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("transport: already closed")
	}

	close(t.done)

	if t.rateLimiter != nil {
		t.rateLimiter.Stop()
	}

	err := t.conn.Close()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return err
}

// Metrics returns the transport metrics tracker.
func (t *UDPTransport) Metrics() *Metrics {
	return t.metrics
}
