package raopcore

import (
	"net"
	"strconv"
	"sync"

	"github.com/opd-ai/raopcore/control"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/dnssd"
	"github.com/opd-ai/raopcore/rtsp"
	"github.com/opd-ai/raopcore/session"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Receiver is a RAOP audio receiver. It accepts one sender session at a
// time and hands decoded audio to the host's Callbacks.
type Receiver struct {
	options    *Options
	rsaKey     *crypto.RSAKey
	negotiator *crypto.Negotiator

	mu         sync.Mutex
	running    bool
	port       int
	hwaddr     net.HardwareAddr
	server     *rtsp.Server
	manager    *session.Manager
	advertised bool
	handle     dnssd.Handle
}

// New creates a receiver. It does not bind anything until Start.
//
// Parameters:
//   - options: receiver configuration; nil uses NewOptions()
//
// Returns:
//   - *Receiver: the stopped receiver
//   - error: if key material could not be loaded or generated
func New(options *Options) (*Receiver, error) {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	if len(opts.Capabilities.Codecs) == 0 {
		opts.Capabilities = control.DefaultCapabilities()
	}
	if opts.Session.FailureThreshold == 0 {
		opts.Session = session.DefaultConfig()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = session.NopCallbacks{}
	}

	r := &Receiver{options: &opts, rsaKey: opts.RSAKey}
	if r.rsaKey == nil {
		key, err := crypto.GenerateRSAKey(DefaultRSAKeyBits, nil)
		if err != nil {
			return nil, oops.Wrapf(err, "failed to generate rsa key")
		}
		r.rsaKey = key
	}
	if opts.Capabilities.SupportsScheme(crypto.SchemeChaCha20Poly1305) {
		negotiator, err := crypto.NewNegotiator(opts.Identity, nil)
		if err != nil {
			return nil, err
		}
		r.negotiator = negotiator
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"pairing":    r.negotiator != nil,
		"encryption": len(opts.Capabilities.Encryption),
		"codecs":     len(opts.Capabilities.Codecs),
		"policy":     opts.Session.Policy.String(),
	}).Debug("Receiver created")
	return r, nil
}

// Start binds the control listener and begins accepting senders.
//
// Parameters:
//   - port: control port; 0 picks a free port
//   - hwaddr: the receiver's 6-byte identifier
//
// Returns:
//   - int: the bound port, to be advertised
//   - error: ErrAlreadyRunning, ErrInvalidHardwareAddr or a bind failure
func (r *Receiver) Start(port int, hwaddr net.HardwareAddr) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return 0, ErrAlreadyRunning
	}
	if len(hwaddr) != 6 {
		return 0, oops.Wrapf(ErrInvalidHardwareAddr, "got %d bytes", len(hwaddr))
	}
	if port < 0 || port > 65535 {
		return 0, oops.Errorf("invalid port %d", port)
	}

	scfg := r.options.Session
	if scfg.Metrics == nil {
		scfg.Metrics = r.options.Metrics
	}
	manager := session.NewManager(r.options.Callbacks, scfg)

	handler, err := control.NewHandler(control.Config{
		Manager:      manager,
		Capabilities: r.options.Capabilities,
		RSAKey:       r.rsaKey,
		Negotiator:   r.negotiator,
		HardwareAddr: hwaddr,
		Password:     r.options.Password,
		Metrics:      r.options.Metrics,
	})
	if err != nil {
		manager.Close()
		return 0, err
	}

	server := rtsp.NewServer(handler.NewConn)
	bound, err := server.Listen(net.JoinHostPort(r.options.BindAddress, strconv.Itoa(port)))
	if err != nil {
		manager.Close()
		return 0, oops.Wrapf(err, "failed to listen on port %d", port)
	}

	r.running = true
	r.port = bound
	r.hwaddr = append(net.HardwareAddr(nil), hwaddr...)
	r.server = server
	r.manager = manager

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Start",
		"port":     bound,
		"hwaddr":   r.hwaddr.String(),
	}).Info("Receiver started")
	return bound, nil
}

// Stop tears down the active session with reason "shutdown", releases
// every listening socket and withdraws the advertisement. Stopping a
// stopped receiver does nothing.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.unadvertiseLocked()

	// Sessions end before their connections so the reason is shutdown.
	r.manager.Close()
	err := r.server.Close()

	r.running = false
	r.port = 0
	r.server = nil
	r.manager = nil

	logrus.WithField("function", "Receiver.Stop").Info("Receiver stopped")
	if err != nil {
		return oops.Wrapf(err, "failed to close control listener")
	}
	return nil
}

// Advertise publishes the running receiver under name, replacing an
// earlier advertisement. Failures are returned and logged; they do not
// affect sessions.
func (r *Receiver) Advertise(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrNotRunning
	}
	if r.options.Advertiser == nil {
		return oops.Errorf("no advertiser configured")
	}
	r.unadvertiseLocked()

	handle, err := r.options.Advertiser.Register(name, r.port, r.hwaddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.Advertise",
			"name":     name,
			"error":    err.Error(),
		}).Warn("Advertisement failed")
		return err
	}
	r.handle = handle
	r.advertised = true
	return nil
}

func (r *Receiver) unadvertiseLocked() {
	if r.advertised {
		r.options.Advertiser.Unregister(r.handle)
		r.advertised = false
		r.handle = 0
	}
}

// IsRunning reports whether Start has succeeded without a later Stop.
func (r *Receiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Port returns the bound control port, or 0 when stopped.
func (r *Receiver) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// ActiveSession returns the current sender session, or nil.
func (r *Receiver) ActiveSession() *Session {
	r.mu.Lock()
	manager := r.manager
	r.mu.Unlock()
	if manager == nil {
		return nil
	}
	return manager.Active()
}

// RSAKey returns the key used for Apple-Challenge and rsaaeskey.
func (r *Receiver) RSAKey() *crypto.RSAKey {
	return r.rsaKey
}
