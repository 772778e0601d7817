// Package discovery finds lighting devices on the local network.
//
// A discovery run broadcasts a GetService query with a freshly generated
// source id from an ephemeral socket, then collects StateService replies.
// Replies whose source id does not match the one just sent are rejected
// (anti-spoofing), as are replies claiming the null/broadcast identity.
// Each distinct identity is reported at most once per run; the first reply
// wins. A run terminates when the overall timeout elapses, or when the
// idle timeout elapses since the most recent accepted reply, whichever
// comes first.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/beamlab/lanbeam/protocol"
	"github.com/beamlab/lanbeam/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout is the default overall discovery duration.
	DefaultTimeout = 5 * time.Second

	// DefaultIdleTimeout terminates a run early when no new reply arrived
	// within this window.
	DefaultIdleTimeout = 2 * time.Second

	// DefaultBroadcastAddr is the default discovery destination.
	DefaultBroadcastAddr = "255.255.255.255:56700"

	// candidateBuffer absorbs reply bursts between the receive loop and
	// the collection loop.
	candidateBuffer = 64
)

// Config contains configuration for one discovery run.
type Config struct {
	// BroadcastAddr is the destination for the service query
	// ("" = DefaultBroadcastAddr).
	BroadcastAddr string

	// Timeout is the overall run duration (0 = DefaultTimeout).
	Timeout time.Duration

	// IdleTimeout ends the run early after a reply-free window
	// (0 = DefaultIdleTimeout).
	IdleTimeout time.Duration

	// MaxDatagramSize bounds decoded replies (0 = protocol default).
	MaxDatagramSize int

	// RateLimitPerIP caps replies accepted per second per source IP
	// (0 = no limit).
	RateLimitPerIP int

	// Logger for debug messages (nil = standard logger).
	Logger logrus.FieldLogger
}

// DiscoveredDevice is one device found during a discovery run, produced at
// most once per identity per run.
type DiscoveredDevice struct {
	// Identity is the device's 6-byte identity.
	Identity protocol.Identity

	// Addr is the address the reply arrived from.
	Addr *net.UDPAddr

	// Port is the service port the device reports listening on.
	Port uint32

	// Service is the service identifier from the reply (ServiceUDP).
	Service uint8

	// FirstSeen is when the first reply from this identity was accepted.
	FirstSeen time.Time
}

// Metrics tracks reply validation outcomes across discovery runs.
type Metrics struct {
	accepted         atomic.Uint64
	duplicates       atomic.Uint64
	rejectedSource   atomic.Uint64
	rejectedIdentity atomic.Uint64
	malformed        atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the discovery counters.
type MetricsSnapshot struct {
	Accepted         uint64
	Duplicates       uint64
	RejectedSource   uint64
	RejectedIdentity uint64
	Malformed        uint64
}

// Snapshot returns a snapshot of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Accepted:         m.accepted.Load(),
		Duplicates:       m.duplicates.Load(),
		RejectedSource:   m.rejectedSource.Load(),
		RejectedIdentity: m.rejectedIdentity.Load(),
		Malformed:        m.malformed.Load(),
	}
}

// Discoverer runs discovery sweeps and accumulates metrics across runs.
type Discoverer struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics Metrics
}

// NewDiscoverer creates a discoverer with the given defaults.
func NewDiscoverer(cfg Config) *Discoverer {
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = DefaultBroadcastAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Discoverer{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Metrics returns the discoverer's counter tracker.
func (d *Discoverer) Metrics() *Metrics {
	return &d.metrics
}

// candidate is a validated reply handed from the receive loop to the
// collection loop, which owns deduplication.
type candidate struct {
	identity protocol.Identity
	addr     *net.UDPAddr
	port     uint32
	service  uint8
}

// Discover broadcasts one service query and returns a lazy, finite channel
// of discovered devices. The channel closes when the run terminates; the
// socket is released at the same time.
func (d *Discoverer) Discover(ctx context.Context) (<-chan DiscoveredDevice, error) {
	dest, err := net.ResolveUDPAddr("udp", d.cfg.BroadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve broadcast address: %w", err)
	}

	tr, err := transport.NewUDPTransport(&transport.Config{
		ListenAddr:      "0.0.0.0:0",
		Broadcast:       true,
		MaxDatagramSize: d.cfg.MaxDatagramSize,
		RateLimitPerIP:  d.cfg.RateLimitPerIP,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}

	source, err := randomSource()
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("discovery: generate source id: %w", err)
	}

	candidates := make(chan candidate, candidateBuffer)
	tr.AddHandler(d.makeReplyHandler(source, candidates))

	hdr := &protocol.Header{
		Source:      source,
		Target:      protocol.NullIdentity,
		Tagged:      true,
		ResRequired: true,
	}
	data, err := protocol.EncodeMessage(hdr, &protocol.GetService{})
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("discovery: encode query: %w", err)
	}

	if err := tr.Send(data, dest); err != nil {
		tr.Close()
		return nil, fmt.Errorf("discovery: send query: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"broadcast": dest.String(),
		"source":    fmt.Sprintf("%08x", source),
		"timeout":   d.cfg.Timeout,
		"idle":      d.cfg.IdleTimeout,
	}).Debug("discovery query sent")

	out := make(chan DiscoveredDevice)
	go d.collect(ctx, tr, candidates, out)

	return out, nil
}

// makeReplyHandler validates replies on the receive loop: header decode,
// source id match, message type, and non-null identity. Accepted replies
// are forwarded for deduplication.
func (d *Discoverer) makeReplyHandler(source uint32, candidates chan<- candidate) transport.Handler {
	return func(data []byte, from *net.UDPAddr) bool {
		hdr, payload, err := protocol.DecodeHeader(data, d.cfg.MaxDatagramSize)
		if err != nil {
			// A hostile or broken reply never aborts the run.
			d.metrics.malformed.Add(1)
			d.logger.WithError(err).WithField("from", from).Debug("dropping malformed reply")
			return false
		}

		if hdr.Source != source {
			// Not a reply to the id we just sent: spoofed or foreign.
			d.metrics.rejectedSource.Add(1)
			d.logger.WithFields(logrus.Fields{
				"from":   from,
				"source": fmt.Sprintf("%08x", hdr.Source),
			}).Debug("rejecting reply with foreign source id")
			return true
		}

		if hdr.Type != protocol.StateServiceMessage {
			return true
		}

		if hdr.Target.IsNull() {
			d.metrics.rejectedIdentity.Add(1)
			d.logger.WithField("from", from).Debug("rejecting reply with null identity")
			return true
		}

		var state protocol.StateService
		if err := state.UnmarshalPayload(payload); err != nil {
			d.metrics.malformed.Add(1)
			d.logger.WithError(err).WithField("from", from).Debug("dropping undecodable service reply")
			return true
		}

		select {
		case candidates <- candidate{
			identity: hdr.Target,
			addr:     from,
			port:     state.Port,
			service:  state.Service,
		}:
		default:
			// Collection loop saturated; the device will answer the next run.
		}

		return true
	}
}

// collect owns the seen-set and both timers. It runs until the overall
// timeout, the idle timeout, or ctx cancellation, then closes the result
// channel and releases the socket.
func (d *Discoverer) collect(ctx context.Context, tr *transport.UDPTransport, candidates <-chan candidate, out chan<- DiscoveredDevice) {
	defer close(out)
	defer tr.Close()

	seen := make(map[protocol.Identity]struct{})

	overall := time.NewTimer(d.cfg.Timeout)
	defer overall.Stop()
	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case cand := <-candidates:
			if _, dup := seen[cand.identity]; dup {
				d.metrics.duplicates.Add(1)
				continue
			}
			seen[cand.identity] = struct{}{}
			d.metrics.accepted.Add(1)

			// The idle window restarts on each accepted reply only.
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.cfg.IdleTimeout)

			dev := DiscoveredDevice{
				Identity:  cand.identity,
				Addr:      cand.addr,
				Port:      cand.port,
				Service:   cand.service,
				FirstSeen: time.Now(),
			}

			d.logger.WithFields(logrus.Fields{
				"device": dev.Identity.String(),
				"addr":   dev.Addr.String(),
				"port":   dev.Port,
			}).Debug("device discovered")

			select {
			case out <- dev:
			case <-ctx.Done():
				return
			}

		case <-idle.C:
			d.logger.WithField("found", len(seen)).Debug("discovery idle timeout")
			return

		case <-overall.C:
			d.logger.WithField("found", len(seen)).Debug("discovery overall timeout")
			return

		case <-ctx.Done():
			return
		}
	}
}

// randomSource generates a non-zero source id for one run.
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
