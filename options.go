package raopcore

import (
	"crypto/ed25519"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/control"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/dnssd"
	"github.com/opd-ai/raopcore/metrics"
	"github.com/opd-ai/raopcore/session"
)

// Aliases for the types hosts handle most.
type (
	Callbacks    = session.Callbacks
	NopCallbacks = session.NopCallbacks
	Session      = session.Session
	EndReason    = session.EndReason
	Frame        = audio.Frame
	Format       = audio.Format
	Metadata     = session.Metadata

	RemoteControl        = session.RemoteControl
	RemoteControlHandler = session.RemoteControlHandler
)

// DefaultRSAKeyBits is the size of the key generated when Options.RSAKey is
// nil.
const DefaultRSAKeyBits = 2048

// Options contains receiver configuration.
type Options struct {
	// Callbacks receives session events; nil discards them.
	Callbacks Callbacks
	// Capabilities are advertised and enforced; a zero value accepts
	// everything the receiver implements.
	Capabilities control.Capabilities
	Session      session.Config
	// BindAddress is the host the control listener binds, empty for all.
	BindAddress string
	// Password enables digest authentication.
	Password string
	// RSAKey signs Apple-Challenge and unwraps rsaaeskey. Nil generates an
	// ephemeral key at New.
	RSAKey *crypto.RSAKey
	// Identity is the pairing identity. Nil generates one; pairing is only
	// offered when chacha20-poly1305 is an accepted scheme.
	Identity ed25519.PrivateKey
	// Advertiser publishes the receiver; nil disables Advertise.
	Advertiser dnssd.Advertiser
	Metrics    *metrics.Metrics
}

// NewOptions returns default receiver options.
func NewOptions() *Options {
	return &Options{
		Capabilities: control.DefaultCapabilities(),
		Session:      session.DefaultConfig(),
		Advertiser:   dnssd.NopAdvertiser{},
	}
}
