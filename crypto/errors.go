package crypto

import "errors"

// Sentinel errors for crypto package operations.
// Callers classify failures with errors.Is(); context is attached with oops.

// Key exchange errors.
var (
	// ErrHandshake indicates malformed or unsupported key material supplied by a peer.
	ErrHandshake = errors.New("handshake failed")

	// ErrInvalidKeyMaterial indicates session keys with the wrong length for their scheme.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)

// Packet protection errors.
var (
	// ErrDecryption indicates a payload that failed authentication or could not be decrypted.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnknownScheme indicates a cipher scheme this package does not implement.
	ErrUnknownScheme = errors.New("unknown cipher scheme")
)
