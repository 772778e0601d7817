package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Message type codes.
//
// Every query-style code maps to exactly one response code (see
// ResponseType). Commands carry no mapped response and are acknowledged
// with an Acknowledgement datagram when ack_required is set.
const (
	GetServiceMessage        uint16 = 2
	StateServiceMessage      uint16 = 3
	GetHostFirmwareMessage   uint16 = 14
	StateHostFirmwareMessage uint16 = 15
	GetPowerMessage          uint16 = 20
	SetPowerMessage          uint16 = 21
	StatePowerMessage        uint16 = 22
	GetLabelMessage          uint16 = 23
	SetLabelMessage          uint16 = 24
	StateLabelMessage        uint16 = 25
	GetVersionMessage        uint16 = 32
	StateVersionMessage      uint16 = 33
	AcknowledgementMessage   uint16 = 45
	GetLocationMessage       uint16 = 48
	StateLocationMessage     uint16 = 50
	GetGroupMessage          uint16 = 51
	StateGroupMessage        uint16 = 53
	EchoRequestMessage       uint16 = 58
	EchoResponseMessage      uint16 = 59
	LightGetMessage          uint16 = 101
	LightSetColorMessage     uint16 = 102
	LightStateMessage        uint16 = 107
	StateUnhandledMessage    uint16 = 223
)

// ServiceUDP is the service identifier carried in StateService replies.
const ServiceUDP = 1

// PowerOn and PowerOff are the two meaningful power levels. Devices report
// intermediate values while a transition is in progress.
const (
	PowerOff uint16 = 0
	PowerOn  uint16 = 0xffff
)

// labelSize is the fixed width of label fields on the wire.
const labelSize = 32

// Message is the interface for all wire payloads.
type Message interface {
	// Name returns the message name for logging.
	Name() string
	// Kind returns the message type code.
	Kind() uint16
	// MarshalPayload serializes the fixed-layout payload.
	MarshalPayload() ([]byte, error)
	// UnmarshalPayload parses the fixed-layout payload.
	UnmarshalPayload(data []byte) error
}

// payloadSizeError builds the uniform error for payloads of the wrong length.
func payloadSizeError(name string, got, want int) error {
	return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformedPacket, name, got, want)
}

// encodeLabel writes a label string into a fixed 32-byte field,
// truncating over-long labels.
func encodeLabel(buf []byte, label string) {
	b := []byte(label)
	if len(b) > labelSize {
		b = b[:labelSize]
	}
	copy(buf[:labelSize], b)
}

// decodeLabel reads a NUL-padded 32-byte label field.
func decodeLabel(buf []byte) string {
	if i := bytes.IndexByte(buf[:labelSize], 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf[:labelSize])
}

// GetService asks a device which services it offers. Sent tagged to the
// broadcast identity during discovery.
type GetService struct{}

func (*GetService) Name() string { return "GetService" }
func (*GetService) Kind() uint16 { return GetServiceMessage }
func (*GetService) MarshalPayload() ([]byte, error) { return nil, nil }
func (*GetService) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("GetService", len(data), 0)
	}
	return nil
}

// StateService is the reply to GetService, naming a service and the UDP
// port it is reachable on.
type StateService struct {
	Service uint8
	Port    uint32
}

func (*StateService) Name() string { return "StateService" }
func (*StateService) Kind() uint16 { return StateServiceMessage }

func (m *StateService) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 5)
	buf[0] = m.Service
	binary.LittleEndian.PutUint32(buf[1:5], m.Port)
	return buf, nil
}

func (m *StateService) UnmarshalPayload(data []byte) error {
	if len(data) != 5 {
		return payloadSizeError("StateService", len(data), 5)
	}
	m.Service = data[0]
	m.Port = binary.LittleEndian.Uint32(data[1:5])
	return nil
}

// GetHostFirmware asks for the device firmware build and version.
type GetHostFirmware struct{}

func (*GetHostFirmware) Name() string { return "GetHostFirmware" }
func (*GetHostFirmware) Kind() uint16 { return GetHostFirmwareMessage }
func (*GetHostFirmware) MarshalPayload() ([]byte, error) { return nil, nil }
func (*GetHostFirmware) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("GetHostFirmware", len(data), 0)
	}
	return nil
}

// StateHostFirmware reports the firmware build timestamp and version.
type StateHostFirmware struct {
	Build        uint64
	VersionMinor uint16
	VersionMajor uint16
}

func (*StateHostFirmware) Name() string { return "StateHostFirmware" }
func (*StateHostFirmware) Kind() uint16 { return StateHostFirmwareMessage }

func (m *StateHostFirmware) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], m.Build)
	// buf[8:16] reserved
	binary.LittleEndian.PutUint16(buf[16:18], m.VersionMinor)
	binary.LittleEndian.PutUint16(buf[18:20], m.VersionMajor)
	return buf, nil
}

func (m *StateHostFirmware) UnmarshalPayload(data []byte) error {
	if len(data) != 20 {
		return payloadSizeError("StateHostFirmware", len(data), 20)
	}
	m.Build = binary.LittleEndian.Uint64(data[0:8])
	m.VersionMinor = binary.LittleEndian.Uint16(data[16:18])
	m.VersionMajor = binary.LittleEndian.Uint16(data[18:20])
	return nil
}

// GetPower asks for the device power level.
type GetPower struct{}

func (*GetPower) Name() string { return "GetPower" }
func (*GetPower) Kind() uint16 { return GetPowerMessage }
func (*GetPower) MarshalPayload() ([]byte, error) { return nil, nil }
func (*GetPower) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("GetPower", len(data), 0)
	}
	return nil
}

// SetPower sets the device power level (PowerOff or PowerOn).
type SetPower struct {
	Level uint16
}

func (*SetPower) Name() string { return "SetPower" }
func (*SetPower) Kind() uint16 { return SetPowerMessage }

func (m *SetPower) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, m.Level)
	return buf, nil
}

func (m *SetPower) UnmarshalPayload(data []byte) error {
	if len(data) != 2 {
		return payloadSizeError("SetPower", len(data), 2)
	}
	m.Level = binary.LittleEndian.Uint16(data)
	return nil
}

// StatePower reports the device power level.
type StatePower struct {
	Level uint16
}

func (*StatePower) Name() string { return "StatePower" }
func (*StatePower) Kind() uint16 { return StatePowerMessage }

func (m *StatePower) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, m.Level)
	return buf, nil
}

func (m *StatePower) UnmarshalPayload(data []byte) error {
	if len(data) != 2 {
		return payloadSizeError("StatePower", len(data), 2)
	}
	m.Level = binary.LittleEndian.Uint16(data)
	return nil
}

// GetLabel asks for the device label.
type GetLabel struct{}

func (*GetLabel) Name() string { return "GetLabel" }
func (*GetLabel) Kind() uint16 { return GetLabelMessage }
func (*GetLabel) MarshalPayload() ([]byte, error) { return nil, nil }
func (*GetLabel) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("GetLabel", len(data), 0)
	}
	return nil
}

// SetLabel assigns a new device label. Labels longer than 32 bytes are
// truncated on the wire.
type SetLabel struct {
	Label string
}

func (*SetLabel) Name() string { return "SetLabel" }
func (*SetLabel) Kind() uint16 { return SetLabelMessage }

func (m *SetLabel) MarshalPayload() ([]byte, error) {
	buf := make([]byte, labelSize)
	encodeLabel(buf, m.Label)
	return buf, nil
}

func (m *SetLabel) UnmarshalPayload(data []byte) error {
	if len(data) != labelSize {
		return payloadSizeError("SetLabel", len(data), labelSize)
	}
	m.Label = decodeLabel(data)
	return nil
}

// StateLabel reports the device label.
type StateLabel struct {
	Label string
}

func (*StateLabel) Name() string { return "StateLabel" }
func (*StateLabel) Kind() uint16 { return StateLabelMessage }

func (m *StateLabel) MarshalPayload() ([]byte, error) {
	buf := make([]byte, labelSize)
	encodeLabel(buf, m.Label)
	return buf, nil
}

func (m *StateLabel) UnmarshalPayload(data []byte) error {
	if len(data) != labelSize {
		return payloadSizeError("StateLabel", len(data), labelSize)
	}
	m.Label = decodeLabel(data)
	return nil
}

// GetVersion asks for the hardware vendor, product and version.
type GetVersion struct{}

func (*GetVersion) Name() string { return "GetVersion" }
func (*GetVersion) Kind() uint16 { return GetVersionMessage }
func (*GetVersion) MarshalPayload() ([]byte, error) { return nil, nil }
func (*GetVersion) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("GetVersion", len(data), 0)
	}
	return nil
}

// StateVersion reports the hardware vendor, product and version. The
// vendor/product pair keys the product registry.
type StateVersion struct {
	Vendor  uint32
	Product uint32
	Version uint32
}

func (*StateVersion) Name() string { return "StateVersion" }
func (*StateVersion) Kind() uint16 { return StateVersionMessage }

func (m *StateVersion) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], m.Vendor)
	binary.LittleEndian.PutUint32(buf[4:8], m.Product)
	binary.LittleEndian.PutUint32(buf[8:12], m.Version)
	return buf, nil
}

func (m *StateVersion) UnmarshalPayload(data []byte) error {
	if len(data) != 12 {
		return payloadSizeError("StateVersion", len(data), 12)
	}
	m.Vendor = binary.LittleEndian.Uint32(data[0:4])
	m.Product = binary.LittleEndian.Uint32(data[4:8])
	m.Version = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// Acknowledgement confirms receipt of a datagram sent with ack_required.
type Acknowledgement struct{}

func (*Acknowledgement) Name() string { return "Acknowledgement" }
func (*Acknowledgement) Kind() uint16 { return AcknowledgementMessage }
func (*Acknowledgement) MarshalPayload() ([]byte, error) { return nil, nil }
func (*Acknowledgement) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("Acknowledgement", len(data), 0)
	}
	return nil
}

// GetLocation asks for the device location grouping.
type GetLocation struct{}

func (*GetLocation) Name() string { return "GetLocation" }
func (*GetLocation) Kind() uint16 { return GetLocationMessage }
func (*GetLocation) MarshalPayload() ([]byte, error) { return nil, nil }
func (*GetLocation) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("GetLocation", len(data), 0)
	}
	return nil
}

// StateLocation reports the device location id, label and update time.
type StateLocation struct {
	Location  [16]byte
	Label     string
	UpdatedAt uint64
}

func (*StateLocation) Name() string { return "StateLocation" }
func (*StateLocation) Kind() uint16 { return StateLocationMessage }

func (m *StateLocation) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 56)
	copy(buf[0:16], m.Location[:])
	encodeLabel(buf[16:48], m.Label)
	binary.LittleEndian.PutUint64(buf[48:56], m.UpdatedAt)
	return buf, nil
}

func (m *StateLocation) UnmarshalPayload(data []byte) error {
	if len(data) != 56 {
		return payloadSizeError("StateLocation", len(data), 56)
	}
	copy(m.Location[:], data[0:16])
	m.Label = decodeLabel(data[16:48])
	m.UpdatedAt = binary.LittleEndian.Uint64(data[48:56])
	return nil
}

// GetGroup asks for the device group membership.
type GetGroup struct{}

func (*GetGroup) Name() string { return "GetGroup" }
func (*GetGroup) Kind() uint16 { return GetGroupMessage }
func (*GetGroup) MarshalPayload() ([]byte, error) { return nil, nil }
func (*GetGroup) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("GetGroup", len(data), 0)
	}
	return nil
}

// StateGroup reports the device group id, label and update time.
type StateGroup struct {
	Group     [16]byte
	Label     string
	UpdatedAt uint64
}

func (*StateGroup) Name() string { return "StateGroup" }
func (*StateGroup) Kind() uint16 { return StateGroupMessage }

func (m *StateGroup) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 56)
	copy(buf[0:16], m.Group[:])
	encodeLabel(buf[16:48], m.Label)
	binary.LittleEndian.PutUint64(buf[48:56], m.UpdatedAt)
	return buf, nil
}

func (m *StateGroup) UnmarshalPayload(data []byte) error {
	if len(data) != 56 {
		return payloadSizeError("StateGroup", len(data), 56)
	}
	copy(m.Group[:], data[0:16])
	m.Label = decodeLabel(data[16:48])
	m.UpdatedAt = binary.LittleEndian.Uint64(data[48:56])
	return nil
}

// echoSize is the fixed width of echo payloads.
const echoSize = 64

// EchoRequest asks the device to echo back an arbitrary 64-byte payload.
type EchoRequest struct {
	Payload [echoSize]byte
}

func (*EchoRequest) Name() string { return "EchoRequest" }
func (*EchoRequest) Kind() uint16 { return EchoRequestMessage }

func (m *EchoRequest) MarshalPayload() ([]byte, error) {
	buf := make([]byte, echoSize)
	copy(buf, m.Payload[:])
	return buf, nil
}

func (m *EchoRequest) UnmarshalPayload(data []byte) error {
	if len(data) != echoSize {
		return payloadSizeError("EchoRequest", len(data), echoSize)
	}
	copy(m.Payload[:], data)
	return nil
}

// EchoResponse is the reply to EchoRequest carrying the same payload.
type EchoResponse struct {
	Payload [echoSize]byte
}

func (*EchoResponse) Name() string { return "EchoResponse" }
func (*EchoResponse) Kind() uint16 { return EchoResponseMessage }

func (m *EchoResponse) MarshalPayload() ([]byte, error) {
	buf := make([]byte, echoSize)
	copy(buf, m.Payload[:])
	return buf, nil
}

func (m *EchoResponse) UnmarshalPayload(data []byte) error {
	if len(data) != echoSize {
		return payloadSizeError("EchoResponse", len(data), echoSize)
	}
	copy(m.Payload[:], data)
	return nil
}

// HSBK is the color representation used by light messages: hue, saturation
// and brightness are scaled to the full uint16 range, kelvin is the color
// temperature for desaturated colors.
type HSBK struct {
	Hue        uint16
	Saturation uint16
	Brightness uint16
	Kelvin     uint16
}

func (c HSBK) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], c.Hue)
	binary.LittleEndian.PutUint16(buf[2:4], c.Saturation)
	binary.LittleEndian.PutUint16(buf[4:6], c.Brightness)
	binary.LittleEndian.PutUint16(buf[6:8], c.Kelvin)
}

func (c *HSBK) unmarshal(buf []byte) {
	c.Hue = binary.LittleEndian.Uint16(buf[0:2])
	c.Saturation = binary.LittleEndian.Uint16(buf[2:4])
	c.Brightness = binary.LittleEndian.Uint16(buf[4:6])
	c.Kelvin = binary.LittleEndian.Uint16(buf[6:8])
}

// LightGet asks a light for its color, power and label in one reply.
type LightGet struct{}

func (*LightGet) Name() string { return "LightGet" }
func (*LightGet) Kind() uint16 { return LightGetMessage }
func (*LightGet) MarshalPayload() ([]byte, error) { return nil, nil }
func (*LightGet) UnmarshalPayload(data []byte) error {
	if len(data) != 0 {
		return payloadSizeError("LightGet", len(data), 0)
	}
	return nil
}

// LightSetColor transitions a light to a new color over the given duration
// in milliseconds.
type LightSetColor struct {
	Color    HSBK
	Duration uint32
}

func (*LightSetColor) Name() string { return "LightSetColor" }
func (*LightSetColor) Kind() uint16 { return LightSetColorMessage }

func (m *LightSetColor) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 13)
	// buf[0] reserved
	m.Color.marshal(buf[1:9])
	binary.LittleEndian.PutUint32(buf[9:13], m.Duration)
	return buf, nil
}

func (m *LightSetColor) UnmarshalPayload(data []byte) error {
	if len(data) != 13 {
		return payloadSizeError("LightSetColor", len(data), 13)
	}
	m.Color.unmarshal(data[1:9])
	m.Duration = binary.LittleEndian.Uint32(data[9:13])
	return nil
}

// LightState is the reply to LightGet.
type LightState struct {
	Color HSBK
	Power uint16
	Label string
}

func (*LightState) Name() string { return "LightState" }
func (*LightState) Kind() uint16 { return LightStateMessage }

func (m *LightState) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 52)
	m.Color.marshal(buf[0:8])
	// buf[8:10] reserved
	binary.LittleEndian.PutUint16(buf[10:12], m.Power)
	encodeLabel(buf[12:44], m.Label)
	// buf[44:52] reserved
	return buf, nil
}

func (m *LightState) UnmarshalPayload(data []byte) error {
	if len(data) != 52 {
		return payloadSizeError("LightState", len(data), 52)
	}
	m.Color.unmarshal(data[0:8])
	m.Power = binary.LittleEndian.Uint16(data[10:12])
	m.Label = decodeLabel(data[12:44])
	return nil
}

// StateUnhandled is a device's explicit signal that it does not understand
// a message type it was sent.
type StateUnhandled struct {
	UnhandledType uint16
}

func (*StateUnhandled) Name() string { return "StateUnhandled" }
func (*StateUnhandled) Kind() uint16 { return StateUnhandledMessage }

func (m *StateUnhandled) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, m.UnhandledType)
	return buf, nil
}

func (m *StateUnhandled) UnmarshalPayload(data []byte) error {
	if len(data) != 2 {
		return payloadSizeError("StateUnhandled", len(data), 2)
	}
	m.UnhandledType = binary.LittleEndian.Uint16(data)
	return nil
}
