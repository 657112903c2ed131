package pipeline

import "errors"

// Sentinel errors for pipeline operations.
// Per-packet failures also carry crypto.ErrDecryption or audio.ErrDecode.
var (
	// ErrFrameShape indicates decoded samples that do not fit the negotiated format.
	ErrFrameShape = errors.New("decoded frame does not match negotiated format")

	// ErrSessionIntegrity indicates the consecutive failure threshold was exceeded.
	ErrSessionIntegrity = errors.New("session integrity lost")

	// ErrClosed indicates a pipeline whose key material was released.
	ErrClosed = errors.New("pipeline closed")
)
