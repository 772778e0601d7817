package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/beamlab/lanbeam/protocol"
)

// startResponder binds a loopback UDP socket standing in for one or more
// devices. For each received service query it sends back every datagram
// that build returns. Returns the address to point discovery at.
func startResponder(t *testing.T, build func(query *protocol.Header) [][]byte) string {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind responder socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			hdr, _, err := protocol.DecodeHeader(buf[:n], 0)
			if err != nil || hdr.Type != protocol.GetServiceMessage {
				continue
			}

			for _, reply := range build(hdr) {
				conn.WriteToUDP(reply, from)
			}
		}
	}()

	return conn.LocalAddr().String()
}

// serviceReply builds one StateService datagram.
func serviceReply(t *testing.T, source uint32, identity protocol.Identity, port uint32) []byte {
	t.Helper()
	data, err := protocol.EncodeMessage(&protocol.Header{
		Source: source,
		Target: identity,
	}, &protocol.StateService{Service: protocol.ServiceUDP, Port: port})
	if err != nil {
		t.Fatalf("failed to encode reply: %v", err)
	}
	return data
}

func ident(n byte) protocol.Identity {
	return protocol.Identity{0xd0, 0x73, 0xd5, 0, 0, n}
}

func collectAll(t *testing.T, d *Discoverer) []DiscoveredDevice {
	t.Helper()

	found, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	var devices []DiscoveredDevice
	for dev := range found {
		devices = append(devices, dev)
	}
	return devices
}

func TestDiscoverFindsDevices(t *testing.T) {
	addr := startResponder(t, func(query *protocol.Header) [][]byte {
		return [][]byte{
			serviceReply(t, query.Source, ident(1), 56700),
			serviceReply(t, query.Source, ident(2), 56701),
		}
	})

	d := NewDiscoverer(Config{
		BroadcastAddr: addr,
		Timeout:       3 * time.Second,
		IdleTimeout:   300 * time.Millisecond,
	})

	devices := collectAll(t, d)
	if len(devices) != 2 {
		t.Fatalf("found %d devices, want 2", len(devices))
	}

	byIdentity := make(map[protocol.Identity]DiscoveredDevice)
	for _, dev := range devices {
		byIdentity[dev.Identity] = dev
	}

	if dev, ok := byIdentity[ident(1)]; !ok || dev.Port != 56700 {
		t.Errorf("device 1 = %+v, want port 56700", dev)
	}
	if dev, ok := byIdentity[ident(2)]; !ok || dev.Port != 56701 {
		t.Errorf("device 2 = %+v, want port 56701", dev)
	}

	if snap := d.Metrics().Snapshot(); snap.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", snap.Accepted)
	}
}

func TestDiscoverDeduplicates(t *testing.T) {
	addr := startResponder(t, func(query *protocol.Header) [][]byte {
		// The same device answering twice: first reply wins.
		return [][]byte{
			serviceReply(t, query.Source, ident(1), 56700),
			serviceReply(t, query.Source, ident(1), 56700),
		}
	})

	d := NewDiscoverer(Config{
		BroadcastAddr: addr,
		Timeout:       3 * time.Second,
		IdleTimeout:   300 * time.Millisecond,
	})

	devices := collectAll(t, d)
	if len(devices) != 1 {
		t.Fatalf("found %d devices, want 1", len(devices))
	}

	if snap := d.Metrics().Snapshot(); snap.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", snap.Duplicates)
	}
}

func TestDiscoverRejectsSpoofedSource(t *testing.T) {
	addr := startResponder(t, func(query *protocol.Header) [][]byte {
		return [][]byte{
			// Wrong source id: must be rejected as spoofed.
			serviceReply(t, query.Source+1, ident(66), 56700),
			serviceReply(t, query.Source, ident(1), 56700),
		}
	})

	d := NewDiscoverer(Config{
		BroadcastAddr: addr,
		Timeout:       3 * time.Second,
		IdleTimeout:   300 * time.Millisecond,
	})

	devices := collectAll(t, d)
	if len(devices) != 1 || devices[0].Identity != ident(1) {
		t.Fatalf("devices = %+v, want only %s", devices, ident(1))
	}

	if snap := d.Metrics().Snapshot(); snap.RejectedSource != 1 {
		t.Errorf("rejectedSource = %d, want 1", snap.RejectedSource)
	}
}

func TestDiscoverRejectsNullIdentity(t *testing.T) {
	addr := startResponder(t, func(query *protocol.Header) [][]byte {
		return [][]byte{
			serviceReply(t, query.Source, protocol.NullIdentity, 56700),
			serviceReply(t, query.Source, ident(1), 56700),
		}
	})

	d := NewDiscoverer(Config{
		BroadcastAddr: addr,
		Timeout:       3 * time.Second,
		IdleTimeout:   300 * time.Millisecond,
	})

	devices := collectAll(t, d)
	if len(devices) != 1 || devices[0].Identity != ident(1) {
		t.Fatalf("devices = %+v, want only %s", devices, ident(1))
	}

	if snap := d.Metrics().Snapshot(); snap.RejectedIdentity != 1 {
		t.Errorf("rejectedIdentity = %d, want 1", snap.RejectedIdentity)
	}
}

func TestDiscoverIdleTimeoutEndsRunEarly(t *testing.T) {
	addr := startResponder(t, func(query *protocol.Header) [][]byte {
		return [][]byte{serviceReply(t, query.Source, ident(1), 56700)}
	})

	d := NewDiscoverer(Config{
		BroadcastAddr: addr,
		Timeout:       10 * time.Second,
		IdleTimeout:   200 * time.Millisecond,
	})

	started := time.Now()
	devices := collectAll(t, d)
	elapsed := time.Since(started)

	if len(devices) != 1 {
		t.Fatalf("found %d devices, want 1", len(devices))
	}
	// The run must end on the idle window, far before the overall timeout.
	if elapsed >= 5*time.Second {
		t.Errorf("run took %s, idle timeout did not terminate it early", elapsed)
	}
}

func TestDiscoverContextCancel(t *testing.T) {
	addr := startResponder(t, func(query *protocol.Header) [][]byte {
		return nil
	})

	d := NewDiscoverer(Config{
		BroadcastAddr: addr,
		Timeout:       10 * time.Second,
		IdleTimeout:   10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())

	found, err := d.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	cancel()

	select {
	case _, open := <-found:
		if open {
			t.Error("received a device after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result channel not closed after cancellation")
	}
}
