package stomp

import "errors"

var (
	// ErrNotConnected is returned when an operation that requires an
	// established session is attempted before the handshake completes.
	ErrNotConnected = errors.New("stomp: not connected")
	// ErrTransportFailed is returned when the underlying connection has
	// dropped or the broker is unreachable.
	ErrTransportFailed = errors.New("stomp: transport failed")
	// ErrTransportTimeout is returned when the handshake or a
	// receipt-confirmed operation exceeds its deadline.
	ErrTransportTimeout = errors.New("stomp: transport timeout")
	// ErrSendFailed is returned when an outgoing frame is rejected by
	// the broker or the transport errors during the send.
	ErrSendFailed = errors.New("stomp: send failed")
)
