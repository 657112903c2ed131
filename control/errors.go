package control

import (
	"errors"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/rtsp"
	"github.com/opd-ai/raopcore/session"
)

// Sentinel errors for control request handling.
var (
	// ErrUnsupportedTransport indicates a SETUP transport the receiver
	// cannot serve.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrUnsupportedFormat is audio.ErrUnsupportedFormat, repeated here for
	// callers that only import control.
	ErrUnsupportedFormat = audio.ErrUnsupportedFormat

	// ErrBadRequest indicates a request body or header that could not be
	// interpreted.
	ErrBadRequest = errors.New("bad control request")

	// ErrPairingDisabled indicates a pairing request on a receiver without
	// a pairing identity.
	ErrPairingDisabled = errors.New("pairing not enabled")
)

// StatusFor maps a request error to its response status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return rtsp.StatusOK
	case errors.Is(err, session.ErrSessionActive):
		return rtsp.StatusNotEnoughBandwidth
	case errors.Is(err, session.ErrProtocolState):
		return rtsp.StatusMethodNotValidInState
	case errors.Is(err, crypto.ErrHandshake), errors.Is(err, crypto.ErrInvalidKeyMaterial):
		return rtsp.StatusConnectionAuthRequired
	case errors.Is(err, audio.ErrUnsupportedFormat), errors.Is(err, crypto.ErrUnknownScheme):
		return rtsp.StatusUnsupportedMediaType
	case errors.Is(err, ErrUnsupportedTransport):
		return rtsp.StatusUnsupportedTransport
	case errors.Is(err, ErrBadRequest), errors.Is(err, rtsp.ErrMalformedHeader), errors.Is(err, audio.ErrMalformedMetadata):
		return rtsp.StatusBadRequest
	case errors.Is(err, ErrPairingDisabled):
		return rtsp.StatusNotImplemented
	case errors.Is(err, session.ErrManagerClosed):
		return rtsp.StatusServiceUnavailable
	default:
		return rtsp.StatusInternalServerError
	}
}
