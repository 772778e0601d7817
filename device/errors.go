package device

import "errors"

var (
	// ErrProtocolViolation is returned when a response matched a pending
	// request's sequence but carried a different type than the one the
	// request declared. The mismatched payload is never delivered.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrDeviceTimeout is returned when no response arrived after the
	// configured number of retries.
	ErrDeviceTimeout = errors.New("device timeout")

	// ErrConnectionClosed is returned for requests issued on, or still
	// outstanding during, a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnsupportedCommand is returned when the device explicitly signals
	// that it does not understand the command it was sent.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrSequenceExhausted is returned when all 256 sequence values have
	// requests in flight. The sequence space is a hard ceiling on
	// concurrent outstanding requests per connection.
	ErrSequenceExhausted = errors.New("sequence space exhausted")
)
