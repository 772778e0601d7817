// Package device implements request/response connections to individual
// lighting devices, and a bounded LRU pool of such connections.
//
// A connection owns one UDP socket and multiplexes many simultaneous
// in-flight requests over it, correlating responses to requests by the
// one-byte sequence number in the wire header. A background dispatcher
// decodes incoming datagrams and routes them to waiting callers; callers
// block only on their own request's completion.
package device

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/beamlab/lanbeam/protocol"
	"github.com/beamlab/lanbeam/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRequestTimeout is the per-attempt response timeout.
	DefaultRequestTimeout = 2 * time.Second

	// DefaultRetries is the number of resends after the first attempt.
	DefaultRetries = 2

	// defaultStreamIdle terminates a response stream when no further
	// datagram arrived within this window.
	defaultStreamIdle = 1 * time.Second

	// streamBuffer is the result buffer for multi-datagram responses.
	streamBuffer = 32
)

// Transport abstracts the UDP socket a connection owns. Satisfied by
// *transport.UDPTransport; tests substitute in-memory fakes.
type Transport interface {
	// Send transmits one datagram.
	Send(data []byte, to *net.UDPAddr) error
	// AddHandler registers the receive callback.
	AddHandler(handler func(data []byte, from *net.UDPAddr) bool)
	// Close releases the socket.
	Close() error
}

// Config contains configuration for a device connection.
type Config struct {
	// Identity is the 6-byte device identity used as the datagram target.
	// The null identity is allowed for direct-addressed connections where
	// only the address is known.
	Identity protocol.Identity

	// Addr is the device's UDP address.
	Addr *net.UDPAddr

	// Source is the sender id stamped on outgoing datagrams and used to
	// filter foreign replies (0 = freshly generated).
	Source uint32

	// RequestTimeout is the per-attempt response timeout
	// (0 = DefaultRequestTimeout). Each retry gets a fresh window.
	RequestTimeout time.Duration

	// Retries is the number of resends after the first attempt
	// (negative = DefaultRetries).
	Retries int

	// RetryDelay is an optional pause before each resend.
	RetryDelay time.Duration

	// MaxDatagramSize bounds decoded datagrams (0 = protocol default).
	MaxDatagramSize int

	// Logger for debug messages (nil = standard logger).
	Logger logrus.FieldLogger
}

// result carries a completed request outcome to the waiting caller.
type result struct {
	msg protocol.Message
	err error
}

// pendingRequest is an outstanding request awaiting a correlated response.
// It is created at send time and removed from the pending table exactly
// once: on completion, timeout, or connection close.
type pendingRequest struct {
	sequence     uint8
	expectedType uint16 // 0 = no expected type declared
	stream       bool
	results      chan result
}

// Conn is a request/response connection to one device over one UDP socket.
//
// Many requests may be in flight concurrently; responses are delivered in
// whatever order the device produces them, with per-sequence correlation
// guaranteeing each caller receives its own response. The sequence space
// holds 256 values, which is the hard ceiling on concurrently outstanding
// requests.
type Conn struct {
	cfg       Config
	transport Transport
	logger    logrus.FieldLogger

	source uint32

	mu      sync.Mutex
	nextSeq uint8
	pending map[uint8]*pendingRequest
	closed  bool
}

// Dial creates a connection with its own UDP socket bound to an ephemeral
// port.
func Dial(cfg Config) (*Conn, error) {
	tr, err := transport.NewUDPTransport(&transport.Config{
		ListenAddr:      "0.0.0.0:0",
		MaxDatagramSize: cfg.MaxDatagramSize,
	})
	if err != nil {
		return nil, fmt.Errorf("device: dial %s: %w", cfg.Addr, err)
	}

	conn, err := NewConn(cfg, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}

	return conn, nil
}

// NewConn creates a connection over an existing transport. The connection
// takes ownership of the transport: Close releases it.
func NewConn(cfg Config, tr Transport) (*Conn, error) {
	if cfg.Addr == nil {
		return nil, fmt.Errorf("device: address required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = protocol.DefaultMaxDatagramSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("device", cfg.Identity.String())

	source := cfg.Source
	if source == 0 {
		var err error
		source, err = randomSource()
		if err != nil {
			return nil, fmt.Errorf("device: generate source id: %w", err)
		}
	}

	c := &Conn{
		cfg:       cfg,
		transport: tr,
		logger:    logger,
		source:    source,
		pending:   make(map[uint8]*pendingRequest),
	}

	// The dispatcher: the transport's receive loop feeds every datagram
	// through here for the lifetime of the connection.
	tr.AddHandler(c.handleDatagram)

	return c, nil
}

// randomSource generates a non-zero source id.
func randomSource() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		if s := binary.LittleEndian.Uint32(buf[:]); s != 0 {
			return s, nil
		}
	}
}

// Identity returns the device identity this connection addresses.
func (c *Conn) Identity() protocol.Identity {
	return c.cfg.Identity
}

// Addr returns the device address.
func (c *Conn) Addr() *net.UDPAddr {
	return c.cfg.Addr
}

// Source returns the connection's source id.
func (c *Conn) Source() uint32 {
	return c.source
}

// register allocates the next sequence number and registers its pending
// request as one atomic step: no other caller can observe the same sequence
// between allocation and registration.
func (c *Conn) register(expectedType uint16, stream bool, buffer int) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	seq := c.nextSeq
	c.nextSeq++ // wraps mod 256

	if _, busy := c.pending[seq]; busy {
		return nil, fmt.Errorf("%w: sequence %d still in flight", ErrSequenceExhausted, seq)
	}

	p := &pendingRequest{
		sequence:     seq,
		expectedType: expectedType,
		stream:       stream,
		results:      make(chan result, buffer),
	}
	c.pending[seq] = p

	return p, nil
}

// retire removes a pending request if it is still registered.
func (c *Conn) retire(seq uint8) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// handleDatagram is the dispatcher body, invoked by the transport receive
// loop for every datagram arriving on the connection's socket.
func (c *Conn) handleDatagram(data []byte, from *net.UDPAddr) bool {
	hdr, payload, err := protocol.DecodeHeader(data, c.cfg.MaxDatagramSize)
	if err != nil {
		// A malformed datagram never aborts the dispatcher.
		c.logger.WithError(err).WithField("from", from).Debug("dropping malformed datagram")
		return false
	}

	if hdr.Source != c.source {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[hdr.Sequence]
	if !ok {
		c.mu.Unlock()
		// Late, duplicate, or foreign datagram: drop silently.
		c.logger.WithFields(logrus.Fields{
			"seq":  hdr.Sequence,
			"type": hdr.Type,
		}).Trace("no pending request for sequence")
		return true
	}

	var res result
	terminal := true

	switch {
	case hdr.Type == protocol.StateUnhandledMessage:
		res.err = unsupportedCommandError(payload)

	case p.expectedType != 0 && hdr.Type != p.expectedType:
		res.err = fmt.Errorf("%w: got type %d, want %d", ErrProtocolViolation, hdr.Type, p.expectedType)

	default:
		msg, err := protocol.DecodeMessage(hdr.Type, payload)
		if err != nil {
			// Malformed payload for a live request: drop the datagram and
			// leave the request pending for a retransmit or its timeout.
			c.mu.Unlock()
			c.logger.WithError(err).WithField("seq", hdr.Sequence).Debug("dropping undecodable payload")
			return true
		}
		res.msg = msg
		terminal = !p.stream
	}

	// Terminal outcomes remove the entry before delivery so a request
	// completes exactly once.
	if terminal {
		delete(c.pending, hdr.Sequence)
	}
	c.mu.Unlock()

	select {
	case p.results <- res:
	default:
		// Stream consumer lagging; drop rather than block the dispatcher.
	}

	return true
}

// unsupportedCommandError builds the error for a StateUnhandled reply.
func unsupportedCommandError(payload []byte) error {
	var unhandled protocol.StateUnhandled
	if err := unhandled.UnmarshalPayload(payload); err == nil {
		return fmt.Errorf("%w: device rejected type %d", ErrUnsupportedCommand, unhandled.UnhandledType)
	}
	return ErrUnsupportedCommand
}

// send serializes msg under a freshly registered pending request and
// transmits it. Queries request a typed response; commands request an
// acknowledgement.
func (c *Conn) send(msg protocol.Message, stream bool, buffer int) (*pendingRequest, error) {
	expected, isQuery := protocol.ResponseType(msg.Kind())
	if !isQuery {
		expected = protocol.AcknowledgementMessage
	}

	p, err := c.register(expected, stream, buffer)
	if err != nil {
		return nil, err
	}

	hdr := &protocol.Header{
		Source:      c.source,
		Target:      c.cfg.Identity,
		Sequence:    p.sequence,
		ResRequired: isQuery,
		AckRequired: !isQuery,
	}

	data, err := protocol.EncodeMessage(hdr, msg)
	if err != nil {
		c.retire(p.sequence)
		return nil, err
	}

	if err := c.transport.Send(data, c.cfg.Addr); err != nil {
		c.retire(p.sequence)
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"msg":  msg.Name(),
		"seq":  p.sequence,
		"want": expected,
	}).Trace("request sent")

	return p, nil
}

// Request sends msg and waits for its correlated response.
//
// Query messages wait for their mapped response type; command messages are
// sent with ack_required and wait for the acknowledgement. On timeout the
// pending request is retired and the message is resent under a fresh
// sequence, up to the configured retry count, so a stale response for an
// earlier attempt can never be mistaken for the retry's. Exhausting all
// attempts fails with ErrDeviceTimeout.
func (c *Conn) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	attempts := c.cfg.Retries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && c.cfg.RetryDelay > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		p, err := c.send(msg, false, 1)
		if err != nil {
			return nil, err
		}

		timer := time.NewTimer(c.cfg.RequestTimeout)

		select {
		case res := <-p.results:
			timer.Stop()
			if res.err != nil {
				return nil, res.err
			}
			return res.msg, nil

		case <-ctx.Done():
			timer.Stop()
			c.retire(p.sequence)
			return nil, ctx.Err()

		case <-timer.C:
			// Retire before resending: the retry gets a fresh sequence
			// and its own timeout window.
			c.retire(p.sequence)
			c.logger.WithFields(logrus.Fields{
				"msg":     msg.Name(),
				"seq":     p.sequence,
				"attempt": attempt + 1,
			}).Debug("request attempt timed out")
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts", ErrDeviceTimeout, msg.Name(), attempts)
}

// RequestStream sends a query and returns a lazy, finite sequence of
// responses for message types answered with multiple datagrams.
//
// The stream ends when no further response arrived within idle
// (0 = a 1 second default), when ctx is cancelled, or when the connection
// closes. The request is sent once; streams are not retried.
func (c *Conn) RequestStream(ctx context.Context, msg protocol.Message, idle time.Duration) (<-chan protocol.Message, error) {
	if _, isQuery := protocol.ResponseType(msg.Kind()); !isQuery {
		return nil, fmt.Errorf("device: %s expects no response stream", msg.Name())
	}
	if idle <= 0 {
		idle = defaultStreamIdle
	}

	p, err := c.send(msg, true, streamBuffer)
	if err != nil {
		return nil, err
	}

	out := make(chan protocol.Message)

	go func() {
		defer close(out)
		defer c.retire(p.sequence)

		timer := time.NewTimer(idle)
		defer timer.Stop()

		for {
			select {
			case res := <-p.results:
				if res.err != nil {
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idle)

				select {
				case out <- res.msg:
				case <-ctx.Done():
					return
				}

			case <-timer.C:
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close marks the connection closed, fails every outstanding request with
// ErrConnectionClosed exactly once, and releases the socket. The dispatcher
// stops with the transport's receive loop.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("device: connection already closed")
	}
	c.closed = true
	pend := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pend {
		select {
		case p.results <- result{err: ErrConnectionClosed}:
		default:
		}
	}

	if len(pend) > 0 {
		c.logger.WithField("outstanding", len(pend)).Debug("failed pending requests on close")
	}

	return c.transport.Close()
}
