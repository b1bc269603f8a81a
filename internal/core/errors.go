package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them
// with fmt.Errorf("%w: ...") to add context.
var (
	// Address codec errors
	ErrInvalidAddressFormat = errors.New("divert: invalid address format")

	// Packet codec errors
	ErrPacketTooShort   = errors.New("divert: packet too short")
	ErrUnsupportedProto = errors.New("divert: unsupported protocol")
	ErrEncoding         = errors.New("divert: packet encoding failed")

	// Driver errors (the native layer refused an operation)
	ErrDriver = errors.New("divert: driver error")

	// Handle lifecycle errors
	ErrHandleClosed = errors.New("divert: handle closed")
	ErrInvalidState = errors.New("divert: invalid handle state")

	// Configuration errors
	ErrConfigInvalid = errors.New("divert: invalid configuration")
)
