package control

import (
	"net"

	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/metrics"
	"github.com/opd-ai/raopcore/rtsp"
	"github.com/opd-ai/raopcore/session"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// PublicMethods is the OPTIONS answer.
const PublicMethods = "ANNOUNCE, SETUP, RECORD, PLAY, PAUSE, FLUSH, TEARDOWN, OPTIONS, GET_PARAMETER, SET_PARAMETER, POST"

// Config holds what the control channel needs from the receiver.
type Config struct {
	Manager      *session.Manager
	Capabilities Capabilities
	// RSAKey answers Apple-Challenge and unwraps a=rsaaeskey; nil disables
	// both.
	RSAKey *crypto.RSAKey
	// Negotiator serves /pair-setup and /pair-verify; nil disables pairing.
	Negotiator   *crypto.Negotiator
	HardwareAddr net.HardwareAddr
	// Password enables digest authentication when not empty.
	Password string
	Metrics  *metrics.Metrics
}

// Handler creates a Conn for each control connection.
type Handler struct {
	cfg Config
}

// NewHandler validates cfg and returns a handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Manager == nil {
		return nil, oops.Errorf("session manager cannot be nil")
	}
	if len(cfg.HardwareAddr) != 6 {
		return nil, oops.Errorf("hardware address must be 6 bytes, got %d", len(cfg.HardwareAddr))
	}
	if len(cfg.Capabilities.Codecs) == 0 {
		cfg.Capabilities = DefaultCapabilities()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewHandler",
		"rsa":        cfg.RSAKey != nil,
		"pairing":    cfg.Negotiator != nil,
		"password":   cfg.Password != "",
		"encryption": len(cfg.Capabilities.Encryption),
	}).Debug("Control handler created")
	return &Handler{cfg: cfg}, nil
}

// NewConn is an rtsp.HandlerFactory.
func (h *Handler) NewConn(info rtsp.ConnInfo) rtsp.ConnHandler {
	return newConn(h, info)
}
