// Package protocol implements the smart-lighting LAN wire protocol.
//
// Every datagram starts with a fixed 36-byte little-endian header:
//   - size (2 bytes): total datagram length including the header
//   - protocol/flags (2 bytes): protocol number 1024 in the low 12 bits,
//     plus the addressable (bit 12), tagged (bit 13) and origin (bits 14-15) flags
//   - source (4 bytes): sender-chosen id, echoed by devices in replies
//   - target (8 bytes): 6-byte device identity followed by 2 reserved bytes
//   - reserved (6 bytes)
//   - flags (1 byte): res_required (bit 0), ack_required (bit 1)
//   - sequence (1 byte): request/response correlation on one connection
//   - reserved (8 bytes)
//   - type (2 bytes): message type code
//   - reserved (2 bytes)
//
// The size field must match the observed datagram length exactly. Datagrams
// shorter than the header or longer than the configured maximum are rejected
// before any further parsing.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// HeaderSize is the fixed size of the wire header in bytes.
	HeaderSize = 36

	// ProtocolNumber is the protocol identifier carried in the low 12 bits
	// of the protocol/flags field.
	ProtocolNumber = 1024

	// DefaultMaxDatagramSize is the default upper bound on datagram length.
	// Larger datagrams are rejected before header parsing (DoS guard).
	DefaultMaxDatagramSize = 1024

	// DefaultPort is the well-known UDP service port devices listen on.
	DefaultPort = 56700
)

var (
	// ErrMalformedPacket is returned when a datagram is too short, too long,
	// or its size field disagrees with the observed length.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnknownType is returned when a type code has no registered payload.
	ErrUnknownType = errors.New("unknown message type")
)

// Identity is the 6-byte value distinguishing one physical device from
// another. The all-zero identity is the null/broadcast identity and never
// names a real device.
type Identity [6]byte

// NullIdentity is the zero identity used for broadcast targets.
var NullIdentity Identity

// IsNull reports whether the identity is the null/broadcast identity.
func (id Identity) IsNull() bool {
	return id == NullIdentity
}

// String renders the identity as colon-separated hex, e.g. "d0:73:d5:01:02:03".
func (id Identity) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		id[0], id[1], id[2], id[3], id[4], id[5])
}

// ParseIdentity parses an identity from colon-separated or plain hex.
func ParseIdentity(s string) (Identity, error) {
	var id Identity

	clean := strings.ReplaceAll(s, ":", "")
	if len(clean) != 12 {
		return id, fmt.Errorf("invalid identity %q: want 6 hex bytes", s)
	}

	for i := 0; i < 6; i++ {
		var b byte
		if _, err := fmt.Sscanf(clean[i*2:i*2+2], "%02x", &b); err != nil {
			return id, fmt.Errorf("invalid identity %q: %w", s, err)
		}
		id[i] = b
	}

	return id, nil
}

// Header is the decoded form of the fixed 36-byte wire header.
//
// Size is populated by EncodeMessage and verified against the observed
// datagram length by DecodeHeader; callers never set it directly.
type Header struct {
	// Size is the total datagram length including the header.
	Size uint16

	// Origin is a 2-bit field, always zero on the wire today.
	Origin uint8

	// Tagged indicates the target field addresses all devices (discovery).
	Tagged bool

	// Addressable is always set on outgoing datagrams.
	Addressable bool

	// Source is the sender-chosen id echoed by devices in replies.
	Source uint32

	// Target is the destination (or responding) device identity.
	Target Identity

	// ResRequired requests a state response for the message.
	ResRequired bool

	// AckRequired requests an explicit acknowledgement datagram.
	AckRequired bool

	// Sequence correlates a request to its response on one connection.
	Sequence uint8

	// Type is the message type code.
	Type uint16
}

// header flag bits
const (
	flagAddressable = 1 << 12
	flagTagged      = 1 << 13

	flagResRequired = 1 << 0
	flagAckRequired = 1 << 1
)

// marshal writes the header into a 36-byte prefix of buf.
// buf must be at least HeaderSize bytes.
func (h *Header) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Size)

	protoField := uint16(ProtocolNumber & 0x0fff)
	if h.Addressable {
		protoField |= flagAddressable
	}
	if h.Tagged {
		protoField |= flagTagged
	}
	protoField |= uint16(h.Origin&0x3) << 14
	binary.LittleEndian.PutUint16(buf[2:4], protoField)

	binary.LittleEndian.PutUint32(buf[4:8], h.Source)
	copy(buf[8:14], h.Target[:])
	// buf[14:22] reserved (2 target padding bytes + 6 reserved bytes)

	var flags byte
	if h.ResRequired {
		flags |= flagResRequired
	}
	if h.AckRequired {
		flags |= flagAckRequired
	}
	buf[22] = flags
	buf[23] = h.Sequence

	// buf[24:32] reserved timestamp
	binary.LittleEndian.PutUint16(buf[32:34], h.Type)
	// buf[34:36] reserved
}

// DecodeHeader parses the wire header from a datagram and returns it together
// with the payload bytes that follow it.
//
// It fails with ErrMalformedPacket when the datagram is shorter than the
// header, longer than maxSize, or when the declared size field disagrees
// with the observed datagram length. maxSize <= 0 selects
// DefaultMaxDatagramSize.
func DecodeHeader(data []byte, maxSize int) (*Header, []byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxDatagramSize
	}

	if len(data) < HeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedPacket, len(data), HeaderSize)
	}
	if len(data) > maxSize {
		return nil, nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrMalformedPacket, len(data), maxSize)
	}

	declared := binary.LittleEndian.Uint16(data[0:2])
	if int(declared) != len(data) {
		return nil, nil, fmt.Errorf("%w: declared size %d, observed %d", ErrMalformedPacket, declared, len(data))
	}

	protoField := binary.LittleEndian.Uint16(data[2:4])

	h := &Header{
		Size:        declared,
		Origin:      uint8(protoField >> 14),
		Tagged:      protoField&flagTagged != 0,
		Addressable: protoField&flagAddressable != 0,
		Source:      binary.LittleEndian.Uint32(data[4:8]),
		ResRequired: data[22]&flagResRequired != 0,
		AckRequired: data[22]&flagAckRequired != 0,
		Sequence:    data[23],
		Type:        binary.LittleEndian.Uint16(data[32:34]),
	}
	copy(h.Target[:], data[8:14])

	return h, data[HeaderSize:], nil
}

// EncodeMessage serializes a header and message payload into one datagram.
//
// The size field and the addressable bit are set here; the caller fills in
// source, target, sequence and the res/ack flag bits. The message's type
// code overwrites h.Type.
func EncodeMessage(h *Header, msg Message) ([]byte, error) {
	payload, err := msg.MarshalPayload()
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Name(), err)
	}

	h.Size = uint16(HeaderSize + len(payload))
	h.Addressable = true
	h.Type = msg.Kind()

	buf := make([]byte, HeaderSize+len(payload))
	h.marshal(buf)
	copy(buf[HeaderSize:], payload)

	return buf, nil
}
