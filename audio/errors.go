package audio

import "errors"

// Sentinel errors for audio package operations.
var (
	// ErrUnsupportedFormat indicates a format description the receiver cannot decode.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrDecode indicates corrupt or truncated compressed audio.
	ErrDecode = errors.New("audio decode failed")

	// ErrMalformedMetadata indicates a DMAP block that could not be parsed.
	ErrMalformedMetadata = errors.New("malformed metadata")
)
