package raopcore

import (
	"errors"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/control"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/session"
)

// Lifecycle errors.
var (
	// ErrAlreadyRunning is returned by Start on a running receiver.
	ErrAlreadyRunning = errors.New("receiver already running")

	// ErrNotRunning is returned by operations that need a started receiver.
	ErrNotRunning = errors.New("receiver not running")

	// ErrInvalidHardwareAddr indicates an identifier that is not 6 bytes.
	ErrInvalidHardwareAddr = errors.New("hardware address must be 6 bytes")
)

// Errors reported to hosts through Callbacks.SessionEnded and request
// failures, re-exported from the packages that produce them.
var (
	ErrHandshake            = crypto.ErrHandshake
	ErrDecryption           = crypto.ErrDecryption
	ErrUnsupportedFormat    = audio.ErrUnsupportedFormat
	ErrDecode               = audio.ErrDecode
	ErrUnsupportedTransport = control.ErrUnsupportedTransport
	ErrProtocolState        = session.ErrProtocolState
	ErrSessionActive        = session.ErrSessionActive
	ErrSessionIntegrity     = session.ErrSessionIntegrity
)
