package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/beamlab/lanbeam/protocol"
)

// fakeTransport is an in-memory Transport that records sent datagrams and
// lets tests deliver arbitrary datagrams to the connection's dispatcher.
type fakeTransport struct {
	mu      sync.Mutex
	handler func(data []byte, from *net.UDPAddr) bool
	sent    [][]byte
	onSend  func(data []byte)
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Send(data []byte, to *net.UDPAddr) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("fake transport closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(cp)
	}
	return nil
}

func (f *fakeTransport) AddHandler(handler func(data []byte, from *net.UDPAddr) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// deliver feeds one datagram to the connection's dispatcher as if it had
// arrived on the socket.
func (f *fakeTransport) deliver(data []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(data, &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 56700})
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

var testAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 56700}

func testConn(t *testing.T, tr *fakeTransport, cfg Config) *Conn {
	t.Helper()
	cfg.Addr = testAddr
	if cfg.Identity.IsNull() {
		cfg.Identity = protocol.Identity{0xd0, 0x73, 0xd5, 0, 0, 1}
	}
	conn, err := NewConn(cfg, tr)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	return conn
}

// replyTo builds a response datagram correlated to a captured request.
func replyTo(t *testing.T, request []byte, msg protocol.Message) []byte {
	t.Helper()
	hdr, _, err := protocol.DecodeHeader(request, 0)
	if err != nil {
		t.Fatalf("failed to decode captured request: %v", err)
	}

	data, err := protocol.EncodeMessage(&protocol.Header{
		Source:   hdr.Source,
		Target:   hdr.Target,
		Sequence: hdr.Sequence,
	}, msg)
	if err != nil {
		t.Fatalf("failed to encode reply: %v", err)
	}
	return data
}

func TestRequestResponse(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{})
	defer conn.Close()

	tr.onSend = func(data []byte) {
		tr.deliver(replyTo(t, data, &protocol.StatePower{Level: protocol.PowerOn}))
	}

	res, err := conn.Request(context.Background(), &protocol.GetPower{})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	state, ok := res.(*protocol.StatePower)
	if !ok {
		t.Fatalf("response type = %T, want *StatePower", res)
	}
	if state.Level != protocol.PowerOn {
		t.Errorf("Level = %d, want %d", state.Level, protocol.PowerOn)
	}
}

func TestCommandAcknowledged(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{})
	defer conn.Close()

	tr.onSend = func(data []byte) {
		// Commands must go out with ack_required and not res_required.
		hdr, _, err := protocol.DecodeHeader(data, 0)
		if err != nil {
			t.Errorf("failed to decode sent command: %v", err)
			return
		}
		if !hdr.AckRequired || hdr.ResRequired {
			t.Errorf("command flags = res:%v ack:%v, want res:false ack:true", hdr.ResRequired, hdr.AckRequired)
		}
		tr.deliver(replyTo(t, data, &protocol.Acknowledgement{}))
	}

	res, err := conn.Request(context.Background(), &protocol.SetPower{Level: protocol.PowerOff})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if _, ok := res.(*protocol.Acknowledgement); !ok {
		t.Fatalf("response type = %T, want *Acknowledgement", res)
	}
}

func TestConcurrentRequestsOutOfOrder(t *testing.T) {
	const n = 16

	tr := newFakeTransport()
	conn := testConn(t, tr, Config{RequestTimeout: 5 * time.Second})
	defer conn.Close()

	// Hold all requests, then answer them in reverse arrival order.
	var (
		pendMu  sync.Mutex
		pending [][]byte
	)
	tr.onSend = func(data []byte) {
		pendMu.Lock()
		pending = append(pending, data)
		ready := len(pending) == n
		var batch [][]byte
		if ready {
			batch = pending
		}
		pendMu.Unlock()

		if !ready {
			return
		}
		for i := len(batch) - 1; i >= 0; i-- {
			var echo protocol.EchoRequest
			hdr, payload, err := protocol.DecodeHeader(batch[i], 0)
			if err != nil {
				t.Errorf("failed to decode request: %v", err)
				return
			}
			if hdr.Type != protocol.EchoRequestMessage {
				t.Errorf("request type = %d, want %d", hdr.Type, protocol.EchoRequestMessage)
				return
			}
			if err := echo.UnmarshalPayload(payload); err != nil {
				t.Errorf("failed to decode echo payload: %v", err)
				return
			}
			tr.deliver(replyTo(t, batch[i], &protocol.EchoResponse{Payload: echo.Payload}))
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			req := &protocol.EchoRequest{}
			req.Payload[0] = byte(i)

			res, err := conn.Request(context.Background(), req)
			if err != nil {
				errs <- fmt.Errorf("request %d failed: %w", i, err)
				return
			}

			resp := res.(*protocol.EchoResponse)
			if resp.Payload[0] != byte(i) {
				errs <- fmt.Errorf("request %d got payload %d: responses crossed", i, resp.Payload[0])
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestWrongResponseType(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{})
	defer conn.Close()

	tr.onSend = func(data []byte) {
		tr.deliver(replyTo(t, data, &protocol.StateLabel{Label: "nope"}))
	}

	_, err := conn.Request(context.Background(), &protocol.GetPower{})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("error = %v, want ErrProtocolViolation", err)
	}
}

func TestUnsupportedCommand(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{})
	defer conn.Close()

	tr.onSend = func(data []byte) {
		tr.deliver(replyTo(t, data, &protocol.StateUnhandled{UnhandledType: protocol.LightGetMessage}))
	}

	_, err := conn.Request(context.Background(), &protocol.LightGet{})
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Errorf("error = %v, want ErrUnsupportedCommand", err)
	}
}

func TestTimeoutRetriesUseFreshSequences(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{
		RequestTimeout: 20 * time.Millisecond,
		Retries:        2,
	})
	defer conn.Close()

	// Never reply: every attempt must time out.
	_, err := conn.Request(context.Background(), &protocol.GetPower{})
	if !errors.Is(err, ErrDeviceTimeout) {
		t.Fatalf("error = %v, want ErrDeviceTimeout", err)
	}

	if tr.sentCount() != 3 {
		t.Fatalf("sent %d datagrams, want 3 (1 attempt + 2 retries)", tr.sentCount())
	}

	// Each resend must carry a sequence of its own so a stale reply can
	// never satisfy a retry.
	seen := make(map[uint8]bool)
	for i := 0; i < tr.sentCount(); i++ {
		hdr, _, err := protocol.DecodeHeader(tr.sentAt(i), 0)
		if err != nil {
			t.Fatalf("failed to decode attempt %d: %v", i, err)
		}
		if seen[hdr.Sequence] {
			t.Errorf("sequence %d reused across attempts", hdr.Sequence)
		}
		seen[hdr.Sequence] = true
	}
}

func TestLateReplyAfterTimeoutIsDropped(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{
		RequestTimeout: 20 * time.Millisecond,
		Retries:        0,
	})
	defer conn.Close()

	_, err := conn.Request(context.Background(), &protocol.GetPower{})
	if !errors.Is(err, ErrDeviceTimeout) {
		t.Fatalf("error = %v, want ErrDeviceTimeout", err)
	}

	// The pending entry is gone; a late reply must be swallowed without
	// disturbing anything.
	tr.deliver(replyTo(t, tr.sentAt(0), &protocol.StatePower{Level: protocol.PowerOn}))
}

func TestMalformedPayloadKeepsRequestPending(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{RequestTimeout: time.Second})
	defer conn.Close()

	tr.onSend = func(data []byte) {
		// First a StatePower whose payload is one byte short: the
		// datagram must be dropped with the request left pending.
		good := replyTo(t, data, &protocol.StatePower{Level: protocol.PowerOn})
		bad := make([]byte, protocol.HeaderSize+1)
		copy(bad, good[:protocol.HeaderSize])
		bad[0] = byte(len(bad)) // fix declared size
		bad[1] = 0
		tr.deliver(bad)

		// Then the valid reply completes the request.
		tr.deliver(good)
	}

	res, err := conn.Request(context.Background(), &protocol.GetPower{})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if res.(*protocol.StatePower).Level != protocol.PowerOn {
		t.Error("valid reply after malformed one not delivered")
	}
}

func TestForeignSourceIgnored(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{RequestTimeout: time.Second})
	defer conn.Close()

	tr.onSend = func(data []byte) {
		hdr, _, err := protocol.DecodeHeader(data, 0)
		if err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}

		// A reply stamped with a different source id must be ignored.
		foreign, err := protocol.EncodeMessage(&protocol.Header{
			Source:   hdr.Source + 1,
			Target:   hdr.Target,
			Sequence: hdr.Sequence,
		}, &protocol.StatePower{Level: protocol.PowerOff})
		if err != nil {
			t.Errorf("failed to encode foreign reply: %v", err)
			return
		}
		tr.deliver(foreign)

		tr.deliver(replyTo(t, data, &protocol.StatePower{Level: protocol.PowerOn}))
	}

	res, err := conn.Request(context.Background(), &protocol.GetPower{})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if res.(*protocol.StatePower).Level != protocol.PowerOn {
		t.Error("foreign-source reply leaked through")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{RequestTimeout: time.Minute})

	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		close(started)
		_, err := conn.Request(context.Background(), &protocol.GetPower{})
		done <- err
	}()

	<-started
	// Wait until the request is actually in flight.
	for tr.sentCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("pending request error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request did not complete after Close")
	}
}

func TestRequestAfterClose(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{})

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := conn.Request(context.Background(), &protocol.GetPower{})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("error = %v, want ErrConnectionClosed", err)
	}

	if err := conn.Close(); err == nil {
		t.Error("second Close succeeded, want error")
	}
}

func TestSequenceExhaustion(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{RequestTimeout: time.Minute})

	// Saturate all 256 sequence slots with requests that never complete.
	var wg sync.WaitGroup
	for i := 0; i < 256; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Request(context.Background(), &protocol.GetPower{})
		}()
	}

	for tr.sentCount() < 256 {
		time.Sleep(time.Millisecond)
	}

	// The 257th in-flight request has no free slot.
	_, err := conn.Request(context.Background(), &protocol.GetPower{})
	if !errors.Is(err, ErrSequenceExhausted) {
		t.Errorf("error = %v, want ErrSequenceExhausted", err)
	}

	conn.Close()
	wg.Wait()
}

func TestRequestContextCancelled(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{RequestTimeout: time.Minute})
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := conn.Request(ctx, &protocol.GetPower{})
		done <- err
	}()

	for tr.sentCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not observe cancellation")
	}
}

func TestRequestStream(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{})
	defer conn.Close()

	tr.onSend = func(data []byte) {
		// Multi-datagram answer: three labels on the same sequence.
		for _, label := range []string{"one", "two", "three"} {
			tr.deliver(replyTo(t, data, &protocol.StateLabel{Label: label}))
		}
	}

	stream, err := conn.RequestStream(context.Background(), &protocol.GetLabel{}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("RequestStream failed: %v", err)
	}

	var got []string
	for msg := range stream {
		got = append(got, msg.(*protocol.StateLabel).Label)
	}

	if len(got) != 3 {
		t.Fatalf("received %d responses, want 3: %v", len(got), got)
	}
}

func TestRequestStreamRejectsCommands(t *testing.T) {
	tr := newFakeTransport()
	conn := testConn(t, tr, Config{})
	defer conn.Close()

	if _, err := conn.RequestStream(context.Background(), &protocol.SetPower{}, 0); err == nil {
		t.Error("RequestStream accepted a command message")
	}
}
