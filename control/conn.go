package control

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/rtp"
	"github.com/opd-ai/raopcore/rtsp"
	"github.com/opd-ai/raopcore/session"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Conn is the state of one control connection. Requests on a connection are
// served one at a time, so Conn needs no locking of its own.
type Conn struct {
	h      *Handler
	info   rtsp.ConnInfo
	nonce  string
	logger *logrus.Entry

	session   *session.Session
	handshake *crypto.Handshake
}

func newConn(h *Handler, info rtsp.ConnInfo) *Conn {
	c := &Conn{
		h:    h,
		info: info,
		logger: logrus.WithFields(logrus.Fields{
			"package": "control",
			"remote":  info.RemoteAddr.String(),
		}),
	}
	if h.cfg.Password != "" {
		nonce, err := rtsp.NewNonce()
		if err != nil {
			c.logger.WithError(err).Error("Failed to generate digest nonce")
		}
		c.nonce = nonce
	}
	return c
}

// Session returns the session bound to this connection, or nil.
func (c *Conn) Session() *session.Session {
	return c.session
}

// ServeRTSP implements rtsp.ConnHandler.
func (c *Conn) ServeRTSP(req *rtsp.Request) *rtsp.Response {
	resp := rtsp.NewResponse(rtsp.StatusOK)
	resp.Header.Set("Apple-Jack-Status", "connected; type=analog")
	method := req.Method

	defer func() {
		c.h.cfg.Metrics.ControlRequest(method, resp.StatusCode)
	}()

	if !c.authorized(req) {
		resp = c.unauthorized()
		return resp
	}

	if challenge := req.Header.Get("Apple-Challenge"); challenge != "" && c.h.cfg.RSAKey != nil {
		signature, err := c.h.cfg.RSAKey.SignChallenge(challenge, c.info.LocalIP(), c.h.cfg.HardwareAddr)
		if err != nil {
			resp = c.fail(req, err)
			return resp
		}
		resp.Header.Set("Apple-Response", signature)
	}

	if c.session != nil {
		c.session.Touch()
	}

	var err error
	switch {
	case method == "OPTIONS":
		resp.Header.Set("Public", PublicMethods)
	case method == "POST" && req.URL == "/pair-setup":
		err = c.pairSetup(req, resp)
	case method == "POST" && req.URL == "/pair-verify":
		err = c.pairVerify(req, resp)
	case method == "ANNOUNCE":
		err = c.announce(req)
	case method == "SETUP":
		err = c.setup(req, resp)
	case method == "RECORD":
		err = c.record(req)
	case method == "PLAY":
		err = c.withSession(func(s *session.Session) error { return s.Play() })
	case method == "PAUSE":
		err = c.withSession(func(s *session.Session) error { return s.Pause() })
	case method == "FLUSH":
		err = c.flush(req)
	case method == "TEARDOWN":
		if c.session != nil {
			err = c.session.Teardown()
		}
		resp.Header.Set("Connection", "close")
	case method == "GET_PARAMETER":
		err = c.getParameter(req, resp)
	case method == "SET_PARAMETER":
		err = c.setParameter(req)
	default:
		c.logger.WithFields(logrus.Fields{
			"function": "Conn.ServeRTSP",
			"method":   method,
			"url":      req.URL,
		}).Warn("Unsupported control method")
		resp = rtsp.NewResponse(rtsp.StatusNotImplemented)
		return resp
	}

	if err != nil {
		resp = c.fail(req, err)
	}
	return resp
}

// Closed implements rtsp.ConnHandler. A connection lost without TEARDOWN
// ends its session.
func (c *Conn) Closed(err error) {
	c.dropHandshake()
	if c.session == nil {
		return
	}
	if c.session.End(session.ReasonConnectionClosed, err) {
		c.logger.WithFields(logrus.Fields{
			"function":   "Conn.Closed",
			"session_id": c.session.ID().String(),
		}).Info("Control connection lost, session ended")
	}
}

func (c *Conn) fail(req *rtsp.Request, err error) *rtsp.Response {
	status := StatusFor(err)
	entry := c.logger.WithFields(logrus.Fields{
		"function": "Conn.ServeRTSP",
		"method":   req.Method,
		"status":   status,
		"error":    err.Error(),
	})
	if status >= rtsp.StatusInternalServerError {
		entry.Error("Control request failed")
	} else {
		entry.Warn("Control request rejected")
	}

	resp := rtsp.NewResponse(status)
	resp.Header.Set("Apple-Jack-Status", "connected; type=analog")
	return resp
}

func (c *Conn) authorized(req *rtsp.Request) bool {
	if c.h.cfg.Password == "" || req.Method == "OPTIONS" {
		return true
	}
	auth := rtsp.DigestAuth{Password: c.h.cfg.Password}
	return c.nonce != "" && auth.Valid(req.Header.Get("Authorization"), req.Method, c.nonce)
}

func (c *Conn) unauthorized() *rtsp.Response {
	resp := rtsp.NewResponse(rtsp.StatusUnauthorized)
	resp.Header.Set("WWW-Authenticate", rtsp.DigestAuth{Password: c.h.cfg.Password}.Challenge(c.nonce))
	c.logger.WithField("function", "Conn.ServeRTSP").Debug("Sent digest challenge")
	return resp
}

// ensureSession returns the connection's live session, admitting a new one
// when there is none.
func (c *Conn) ensureSession() (*session.Session, error) {
	if c.session != nil && !c.session.State().Terminal() {
		return c.session, nil
	}
	s, err := c.h.cfg.Manager.Open(c.info.RemoteAddr.String())
	if err != nil {
		return nil, err
	}
	c.session = s
	return s, nil
}

func (c *Conn) withSession(fn func(s *session.Session) error) error {
	if c.session == nil {
		return oops.Wrapf(session.ErrProtocolState, "no session on this connection")
	}
	return fn(c.session)
}

func (c *Conn) pairSetup(req *rtsp.Request, resp *rtsp.Response) error {
	if c.h.cfg.Negotiator == nil {
		return ErrPairingDisabled
	}
	if len(req.Body) != crypto.SigningKeySize {
		return oops.Wrapf(crypto.ErrHandshake, "pair-setup key must be %d bytes, got %d", crypto.SigningKeySize, len(req.Body))
	}
	resp.SetBody("application/octet-stream", c.h.cfg.Negotiator.PublicKey())
	return nil
}

func (c *Conn) pairVerify(req *rtsp.Request, resp *rtsp.Response) error {
	if c.h.cfg.Negotiator == nil {
		return ErrPairingDisabled
	}
	msg, err := crypto.ParsePairVerify(req.Body)
	if err != nil {
		return err
	}

	if msg.Initial {
		c.dropHandshake()
		hs, err := c.h.cfg.Negotiator.Negotiate(msg.Payload)
		if err != nil {
			return err
		}
		c.handshake = hs
		resp.SetBody("application/octet-stream", hs.Response)
		return nil
	}

	if c.handshake == nil {
		return oops.Wrapf(crypto.ErrHandshake, "pair-verify signature without key exchange")
	}
	if err := c.handshake.Verify(msg.Payload); err != nil {
		c.dropHandshake()
		return err
	}

	s, err := c.ensureSession()
	if err != nil {
		c.dropHandshake()
		return err
	}
	err = s.InstallKeys(c.handshake.Keys)
	c.dropHandshake()
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"function":   "Conn.pairVerify",
		"session_id": s.ID().String(),
	}).Info("Pair-verify completed")
	return nil
}

func (c *Conn) dropHandshake() {
	if c.handshake != nil {
		c.handshake.Keys.Wipe()
		c.handshake = nil
	}
}

func (c *Conn) announce(req *rtsp.Request) error {
	if req.ContentType() != "application/sdp" {
		return oops.Wrapf(ErrBadRequest, "announce content type %q", req.ContentType())
	}
	ann, err := ParseAnnouncement(req.Body)
	if err != nil {
		return err
	}
	caps := c.h.cfg.Capabilities
	if !caps.SupportsCodec(ann.Format.Codec) {
		return oops.Wrapf(audio.ErrUnsupportedFormat, "codec %s is disabled", ann.Format.Codec)
	}

	var keys *crypto.SessionKeys
	if ann.RSAAESKey != "" {
		if !caps.SupportsScheme(crypto.SchemeAESCBC) {
			return oops.Wrapf(audio.ErrUnsupportedFormat, "%s encryption is disabled", crypto.SchemeAESCBC)
		}
		if c.h.cfg.RSAKey == nil {
			return oops.Wrapf(crypto.ErrHandshake, "rsaaeskey announced but no rsa key is configured")
		}
		if keys, err = c.h.cfg.RSAKey.LegacySessionKeys(ann.RSAAESKey, ann.AESIV); err != nil {
			return err
		}
		defer keys.Wipe()
	}

	s, err := c.ensureSession()
	if err != nil {
		return err
	}
	if err := s.Announce(ann.Format, keys); err != nil {
		return err
	}
	c.rememberRemote(req, s)

	c.logger.WithFields(logrus.Fields{
		"function":    "Conn.announce",
		"session_id":  s.ID().String(),
		"format":      ann.Format.String(),
		"min_latency": ann.MinLatency,
		"connection":  ann.Connection,
	}).Info("Stream announced")
	return nil
}

func (c *Conn) rememberRemote(req *rtsp.Request, s *session.Session) {
	dacp, active := req.Header.Get("DACP-ID"), req.Header.Get("Active-Remote")
	if dacp == "" && active == "" {
		return
	}
	s.SetRemote(session.RemoteControl{DACPID: dacp, ActiveRemote: active})
}

func (c *Conn) setup(req *rtsp.Request, resp *rtsp.Response) error {
	if c.session == nil {
		return oops.Wrapf(session.ErrProtocolState, "SETUP before ANNOUNCE")
	}
	s := c.session

	value := req.Header.Get("Transport")
	if value == "" {
		return oops.Wrapf(ErrUnsupportedTransport, "missing transport header")
	}
	tr, err := rtsp.ParseTransport(value)
	if err != nil {
		return oops.Wrapf(ErrUnsupportedTransport, "%v", err)
	}
	caps := c.h.cfg.Capabilities
	switch {
	case !tr.RTP():
		return oops.Wrapf(ErrUnsupportedTransport, "profile %q", tr.Profile)
	case !tr.Record():
		return oops.Wrapf(ErrUnsupportedTransport, "mode %q", tr.Mode)
	case tr.TCP() && !caps.TCP:
		return oops.Wrapf(ErrUnsupportedTransport, "tcp audio is disabled")
	}
	if caps.RequiresEncryption() && s.Scheme() == crypto.SchemeNone {
		return oops.Wrapf(crypto.ErrHandshake, "encryption required but no key material installed")
	}
	if !caps.SupportsScheme(s.Scheme()) {
		return oops.Wrapf(audio.ErrUnsupportedFormat, "%s encryption is disabled", s.Scheme())
	}

	params := session.TransportParams{
		Mode:        rtp.ModeUDP,
		Remote:      c.info.RemoteIP(),
		ControlPort: tr.ControlPort,
		TimingPort:  tr.TimingPort,
	}
	if tr.TCP() {
		params.Mode = rtp.ModeTCP
	}
	ports, err := s.Setup(params)
	if err != nil {
		return err
	}
	c.rememberRemote(req, s)

	if tr.TCP() {
		resp.Header.Set("Transport", fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=0-1;mode=record;server_port=%d", ports.Data))
	} else {
		resp.Header.Set("Transport", fmt.Sprintf("RTP/AVP/UDP;unicast;mode=record;timing_port=%d;events;control_port=%d;server_port=%d",
			ports.Timing, ports.Control, ports.Data))
	}
	id := s.ID()
	resp.Header.Set("Session", fmt.Sprintf("%X", id[:4]))
	return nil
}

func recordInfo(req *rtsp.Request) (session.RecordInfo, error) {
	value := req.Header.Get("RTP-Info")
	if value == "" {
		return session.RecordInfo{}, nil
	}
	info, err := rtsp.ParseRTPInfo(value)
	if err != nil {
		return session.RecordInfo{}, err
	}
	return session.RecordInfo{
		Sequence: info.Sequence,
		RTPTime:  info.RTPTime,
		Valid:    info.HasSequence && info.HasRTPTime,
	}, nil
}

func (c *Conn) record(req *rtsp.Request) error {
	info, err := recordInfo(req)
	if err != nil {
		return err
	}
	return c.withSession(func(s *session.Session) error { return s.Record(info) })
}

func (c *Conn) flush(req *rtsp.Request) error {
	info, err := recordInfo(req)
	if err != nil {
		return err
	}
	return c.withSession(func(s *session.Session) error { return s.Flush(info) })
}

func (c *Conn) getParameter(req *rtsp.Request, resp *rtsp.Response) error {
	if req.ContentType() != "text/parameters" {
		return nil
	}
	var out bytes.Buffer
	for _, name := range parameterLines(req.Body) {
		switch strings.ToLower(name) {
		case "volume":
			volume := session.MaxVolume
			if c.session != nil {
				volume = c.session.Volume()
			}
			fmt.Fprintf(&out, "volume: %.6f\r\n", volume)
		default:
			c.logger.WithFields(logrus.Fields{
				"function":  "Conn.getParameter",
				"parameter": name,
			}).Warn("Unknown parameter requested")
		}
	}
	if out.Len() > 0 {
		resp.SetBody("text/parameters", out.Bytes())
	}
	return nil
}

func (c *Conn) setParameter(req *rtsp.Request) error {
	ct := req.ContentType()
	return c.withSession(func(s *session.Session) error {
		switch {
		case ct == "text/parameters":
			return c.setTextParameters(s, req.Body)
		case ct == "application/x-dmap-tagged":
			fields, err := audio.ParseDMAP(req.Body)
			if err != nil {
				return err
			}
			return s.SetMetadata(fields)
		case strings.HasPrefix(ct, "image/"):
			return s.SetArtwork(ct, req.Body)
		default:
			c.logger.WithFields(logrus.Fields{
				"function":     "Conn.setParameter",
				"content_type": ct,
			}).Warn("Ignoring parameter of unknown content type")
			return nil
		}
	})
}

func (c *Conn) setTextParameters(s *session.Session, body []byte) error {
	for _, line := range parameterLines(body) {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return oops.Wrapf(ErrBadRequest, "parameter line %q", line)
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case "volume":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return oops.Wrapf(ErrBadRequest, "volume %q", value)
			}
			if _, err := s.SetVolume(v); err != nil {
				return err
			}
		case "progress":
			p, err := session.ParseProgress(value)
			if err != nil {
				return oops.Wrapf(ErrBadRequest, "%v", err)
			}
			if err := s.SetProgress(p); err != nil {
				return err
			}
		default:
			c.logger.WithFields(logrus.Fields{
				"function":  "Conn.setTextParameters",
				"parameter": name,
			}).Warn("Unknown parameter")
		}
	}
	return nil
}

func parameterLines(body []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
