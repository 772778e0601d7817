package protocol

import "fmt"

// messageTypes is the closed mapping from type code to payload constructor.
// Built once at package init; no runtime reflection.
var messageTypes = map[uint16]func() Message{
	GetServiceMessage:        func() Message { return new(GetService) },
	StateServiceMessage:      func() Message { return new(StateService) },
	GetHostFirmwareMessage:   func() Message { return new(GetHostFirmware) },
	StateHostFirmwareMessage: func() Message { return new(StateHostFirmware) },
	GetPowerMessage:          func() Message { return new(GetPower) },
	SetPowerMessage:          func() Message { return new(SetPower) },
	StatePowerMessage:        func() Message { return new(StatePower) },
	GetLabelMessage:          func() Message { return new(GetLabel) },
	SetLabelMessage:          func() Message { return new(SetLabel) },
	StateLabelMessage:        func() Message { return new(StateLabel) },
	GetVersionMessage:        func() Message { return new(GetVersion) },
	StateVersionMessage:      func() Message { return new(StateVersion) },
	AcknowledgementMessage:   func() Message { return new(Acknowledgement) },
	GetLocationMessage:       func() Message { return new(GetLocation) },
	StateLocationMessage:     func() Message { return new(StateLocation) },
	GetGroupMessage:          func() Message { return new(GetGroup) },
	StateGroupMessage:        func() Message { return new(StateGroup) },
	EchoRequestMessage:       func() Message { return new(EchoRequest) },
	EchoResponseMessage:      func() Message { return new(EchoResponse) },
	LightGetMessage:          func() Message { return new(LightGet) },
	LightSetColorMessage:     func() Message { return new(LightSetColor) },
	LightStateMessage:        func() Message { return new(LightState) },
	StateUnhandledMessage:    func() Message { return new(StateUnhandled) },
}

// responseTypes maps each query-style type code to the single response type
// code it expects. Commands (Set*) are absent: they expect only an
// Acknowledgement when ack_required is set.
var responseTypes = map[uint16]uint16{
	GetServiceMessage:      StateServiceMessage,
	GetHostFirmwareMessage: StateHostFirmwareMessage,
	GetPowerMessage:        StatePowerMessage,
	GetLabelMessage:        StateLabelMessage,
	GetVersionMessage:      StateVersionMessage,
	GetLocationMessage:     StateLocationMessage,
	GetGroupMessage:        StateGroupMessage,
	EchoRequestMessage:     EchoResponseMessage,
	LightGetMessage:        LightStateMessage,
}

// NewMessage returns an empty payload value for the given type code.
//
// Fails with ErrUnknownType for codes outside the closed mapping.
func NewMessage(kind uint16) (Message, error) {
	factory, ok := messageTypes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, kind)
	}
	return factory(), nil
}

// ResponseType returns the expected response type code for a query-style
// message. The second return is false for commands, which expect only an
// acknowledgement.
func ResponseType(kind uint16) (uint16, bool) {
	rt, ok := responseTypes[kind]
	return rt, ok
}

// DecodeMessage parses the payload bytes for the given type code.
func DecodeMessage(kind uint16, payload []byte) (Message, error) {
	msg, err := NewMessage(kind)
	if err != nil {
		return nil, err
	}
	if err := msg.UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	return msg, nil
}
