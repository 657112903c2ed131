package control

import (
	"errors"
	"testing"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/rtsp"
	"github.com/opd-ai/raopcore/session"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, rtsp.StatusOK},
		{"session active", oops.Wrapf(session.ErrSessionActive, "busy"), rtsp.StatusNotEnoughBandwidth},
		{"protocol state", oops.Wrapf(session.ErrProtocolState, "RECORD in INIT"), rtsp.StatusMethodNotValidInState},
		{"handshake", crypto.ErrHandshake, rtsp.StatusConnectionAuthRequired},
		{"key material", crypto.ErrInvalidKeyMaterial, rtsp.StatusConnectionAuthRequired},
		{"format", oops.Wrapf(audio.ErrUnsupportedFormat, "mp3"), rtsp.StatusUnsupportedMediaType},
		{"scheme", crypto.ErrUnknownScheme, rtsp.StatusUnsupportedMediaType},
		{"transport", ErrUnsupportedTransport, rtsp.StatusUnsupportedTransport},
		{"bad request", ErrBadRequest, rtsp.StatusBadRequest},
		{"header", rtsp.ErrMalformedHeader, rtsp.StatusBadRequest},
		{"metadata", audio.ErrMalformedMetadata, rtsp.StatusBadRequest},
		{"pairing", ErrPairingDisabled, rtsp.StatusNotImplemented},
		{"closed", session.ErrManagerClosed, rtsp.StatusServiceUnavailable},
		{"other", errors.New("boom"), rtsp.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}
