package dnssd

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/control"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Service registration constants.
const (
	ServiceType = "_raop._tcp"
	Domain      = "local."
)

// ErrRegister indicates the discovery service refused a registration.
var ErrRegister = errors.New("service registration failed")

// Handle identifies one registration. The zero Handle is never issued.
type Handle uint64

// Advertiser publishes the receiver on the local network.
type Advertiser interface {
	// Register announces a receiver listening on port.
	Register(name string, port int, hwaddr net.HardwareAddr) (Handle, error)
	// Unregister withdraws a registration. Unknown or already withdrawn
	// handles are ignored.
	Unregister(h Handle)
}

// NopAdvertiser is for hosts that publish the service themselves.
type NopAdvertiser struct{}

func (NopAdvertiser) Register(string, int, net.HardwareAddr) (Handle, error) { return 1, nil }
func (NopAdvertiser) Unregister(Handle)                                      {}

// server is the part of *zeroconf.Server the advertiser uses.
type server interface {
	Shutdown()
}

// registerFunc publishes one service instance.
type registerFunc func(instance, service, domain string, port int, text []string) (server, error)

func zeroconfRegister(instance, service, domain string, port int, text []string) (server, error) {
	return zeroconf.Register(instance, service, domain, port, text, nil)
}

// ZeroconfAdvertiser registers _raop._tcp instances over multicast DNS.
type ZeroconfAdvertiser struct {
	caps     control.Capabilities
	password bool
	register registerFunc

	mu      sync.Mutex
	next    Handle
	servers map[Handle]server
}

// NewZeroconfAdvertiser creates an advertiser whose TXT record describes
// caps. password sets the pw key so senders prompt for it.
func NewZeroconfAdvertiser(caps control.Capabilities, password bool) *ZeroconfAdvertiser {
	return &ZeroconfAdvertiser{
		caps:     caps,
		password: password,
		register: zeroconfRegister,
		servers:  make(map[Handle]server),
	}
}

// Register implements Advertiser.
func (a *ZeroconfAdvertiser) Register(name string, port int, hwaddr net.HardwareAddr) (Handle, error) {
	if len(hwaddr) != 6 {
		return 0, oops.Errorf("hardware address must be 6 bytes, got %d", len(hwaddr))
	}
	if port <= 0 || port > 65535 {
		return 0, oops.Errorf("invalid port %d", port)
	}

	instance := InstanceName(name, hwaddr)
	text := TXTRecord(a.caps, a.password)
	srv, err := a.register(instance, ServiceType, Domain, port, text)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ZeroconfAdvertiser.Register",
			"instance": instance,
			"error":    err.Error(),
		}).Error("Service registration failed")
		return 0, oops.Wrapf(ErrRegister, "%s: %v", instance, err)
	}

	a.mu.Lock()
	a.next++
	h := a.next
	a.servers[h] = srv
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ZeroconfAdvertiser.Register",
		"instance": instance,
		"port":     port,
		"handle":   h,
	}).Info("Service registered")
	return h, nil
}

// Unregister implements Advertiser.
func (a *ZeroconfAdvertiser) Unregister(h Handle) {
	a.mu.Lock()
	srv, ok := a.servers[h]
	delete(a.servers, h)
	a.mu.Unlock()
	if !ok {
		return
	}

	srv.Shutdown()
	logrus.WithFields(logrus.Fields{
		"function": "ZeroconfAdvertiser.Unregister",
		"handle":   h,
	}).Info("Service unregistered")
}

// InstanceName builds the "HWADDR@Name" instance senders display, with the
// hardware address in upper-case hex.
func InstanceName(name string, hwaddr net.HardwareAddr) string {
	return fmt.Sprintf("%X@%s", []byte(hwaddr), name)
}

// TXTRecord returns the RAOP TXT keys for caps.
func TXTRecord(caps control.Capabilities, password bool) []string {
	var codecs []string
	if caps.SupportsCodec(audio.CodecPCM) {
		codecs = append(codecs, "0")
	}
	if caps.SupportsCodec(audio.CodecALAC) {
		codecs = append(codecs, "1")
	}

	var schemes []string
	if caps.SupportsScheme(crypto.SchemeNone) {
		schemes = append(schemes, "0")
	}
	if caps.SupportsScheme(crypto.SchemeAESCBC) {
		schemes = append(schemes, "1")
	}

	transports := "UDP"
	if caps.TCP {
		transports = "TCP,UDP"
	}

	return []string{
		"txtvers=1",
		"ch=2",
		"cn=" + strings.Join(codecs, ","),
		"et=" + strings.Join(schemes, ","),
		"sv=false",
		"da=true",
		"sr=44100",
		"ss=16",
		fmt.Sprintf("pw=%t", password),
		"vn=3",
		"tp=" + transports,
		"md=0,1,2",
		"vs=130.14",
		"am=AppleTV2,1",
		"sf=0x4",
		"ek=1",
	}
}
