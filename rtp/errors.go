package rtp

import "errors"

// Sentinel errors for rtp package operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMalformedPacket indicates a packet that cannot be parsed.
	ErrMalformedPacket = errors.New("malformed rtp packet")

	// ErrReceiverClosed indicates an operation on a closed receiver.
	ErrReceiverClosed = errors.New("receiver closed")

	// ErrNoRemote indicates the sender's control or timing port is unknown.
	ErrNoRemote = errors.New("remote endpoint not configured")
)
