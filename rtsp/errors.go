package rtsp

import "errors"

// Sentinel errors for the control-channel codec.
var (
	// ErrMalformedRequest indicates an unparseable start line, header block
	// or Content-Length.
	ErrMalformedRequest = errors.New("malformed rtsp request")

	// ErrBodyTooLarge indicates a Content-Length above MaxBodySize.
	ErrBodyTooLarge = errors.New("rtsp request body too large")

	// ErrHeaderTooLarge indicates a start line and header block above
	// MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("rtsp request header too large")

	// ErrMalformedHeader indicates an unparseable Transport or RTP-Info value.
	ErrMalformedHeader = errors.New("malformed rtsp header")

	// ErrServerClosed is returned by Listen after Close.
	ErrServerClosed = errors.New("rtsp server closed")
)
