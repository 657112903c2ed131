package control

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/rtp"
	"github.com/opd-ai/raopcore/rtsp"
	"github.com/opd-ai/raopcore/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

var testHardwareAddr = net.HardwareAddr{0x48, 0x5D, 0x60, 0x7C, 0xEE, 0x22}

type hostRecorder struct {
	session.NopCallbacks

	mu      sync.Mutex
	frames  []*audio.Frame
	ends    []session.EndReason
	volumes []float64
	remotes []session.RemoteControl
}

func (r *hostRecorder) FrameDecoded(s *session.Session, frame *audio.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *hostRecorder) VolumeChanged(s *session.Session, volume float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = append(r.volumes, volume)
}

func (r *hostRecorder) SessionEnded(s *session.Session, reason session.EndReason, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, reason)
}

func (r *hostRecorder) RemoteControlChanged(s *session.Session, remote session.RemoteControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes = append(r.remotes, remote)
}

func (r *hostRecorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *hostRecorder) endReasons() []session.EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.EndReason(nil), r.ends...)
}

type testEnv struct {
	handler *Handler
	manager *session.Manager
	rec     *hostRecorder
}

func newTestEnv(t *testing.T, policy session.Policy, configure func(*Config)) *testEnv {
	t.Helper()
	rec := &hostRecorder{}

	scfg := session.DefaultConfig()
	scfg.Policy = policy
	scfg.BindAddress = "127.0.0.1"
	scfg.IdleTimeout = 0
	m := session.NewManager(rec, scfg)
	t.Cleanup(func() { m.Close() })

	cfg := Config{
		Manager:      m,
		Capabilities: DefaultCapabilities(),
		HardwareAddr: testHardwareAddr,
	}
	if configure != nil {
		configure(&cfg)
	}
	h, err := NewHandler(cfg)
	require.NoError(t, err)
	return &testEnv{handler: h, manager: m, rec: rec}
}

func (e *testEnv) conn(remotePort int) *Conn {
	return newConn(e.handler, rtsp.ConnInfo{
		LocalAddr:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000},
		RemoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: remotePort},
	})
}

func request(method, url string, header map[string]string, body []byte) *rtsp.Request {
	req := &rtsp.Request{
		Method: method,
		URL:    url,
		Proto:  rtsp.ProtoRTSP,
		Header: make(textproto.MIMEHeader),
		Body:   body,
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

func pcmAnnounce() *rtsp.Request {
	return request("ANNOUNCE", "rtsp://127.0.0.1/1", map[string]string{"Content-Type": "application/sdp"},
		sdpBody("m=audio 0 RTP/AVP 96", "a=rtpmap:96 L16/44100/2"))
}

const udpTransport = "RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002"

func setupRequest(transport string) *rtsp.Request {
	return request("SETUP", "rtsp://127.0.0.1/1", map[string]string{"Transport": transport}, nil)
}

func TestNewHandlerValidatesConfig(t *testing.T) {
	_, err := NewHandler(Config{HardwareAddr: testHardwareAddr})
	assert.Error(t, err)

	m := session.NewManager(nil, session.DefaultConfig())
	defer m.Close()
	_, err = NewHandler(Config{Manager: m, HardwareAddr: net.HardwareAddr{1, 2, 3}})
	assert.Error(t, err)

	h, err := NewHandler(Config{Manager: m, HardwareAddr: testHardwareAddr})
	require.NoError(t, err)
	assert.Equal(t, DefaultCapabilities(), h.cfg.Capabilities)
}

func TestOptionsListsPublicMethods(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	resp := env.conn(40000).ServeRTSP(request("OPTIONS", "*", nil, nil))

	assert.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, PublicMethods, resp.Header.Get("Public"))
	assert.Equal(t, "connected; type=analog", resp.Header.Get("Apple-Jack-Status"))
}

func TestUnknownMethodNotImplemented(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	resp := env.conn(40000).ServeRTSP(request("DESCRIBE", "rtsp://127.0.0.1/1", nil, nil))
	assert.Equal(t, rtsp.StatusNotImplemented, resp.StatusCode)
}

func TestStreamLifecycleDeliversAudio(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	c := env.conn(40000)

	resp := c.ServeRTSP(pcmAnnounce())
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	require.NotNil(t, c.Session())
	assert.Equal(t, session.StateAnnounced, c.Session().State())

	resp = c.ServeRTSP(setupRequest(udpTransport))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Session"))
	tr, err := rtsp.ParseTransport(resp.Header.Get("Transport"))
	require.NoError(t, err)
	assert.Equal(t, "RTP/AVP/UDP", tr.Profile)
	assert.Equal(t, c.Session().Ports().Data, tr.ServerPort)
	assert.NotZero(t, tr.ControlPort)
	assert.NotZero(t, tr.TimingPort)

	resp = c.ServeRTSP(request("RECORD", "rtsp://127.0.0.1/1", map[string]string{"RTP-Info": "seq=0;rtptime=1000"}, nil))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StateRecording, c.Session().State())

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.ServerPort})
	require.NoError(t, err)
	defer conn.Close()
	for seq := uint16(0); seq < 3; seq++ {
		packet, err := rtp.MarshalAudioPacket(seq, 1000+uint32(seq)*4, 1, rtp.PayloadAudio,
			audio.EncodePCM([]int16{1, 2, 3, 4, 5, 6, 7, 8}))
		require.NoError(t, err)
		_, err = conn.Write(packet)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return env.rec.frameCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	resp = c.ServeRTSP(request("FLUSH", "rtsp://127.0.0.1/1", map[string]string{"RTP-Info": "seq=10;rtptime=2000"}, nil))
	assert.Equal(t, rtsp.StatusOK, resp.StatusCode)

	resp = c.ServeRTSP(request("TEARDOWN", "rtsp://127.0.0.1/1", nil, nil))
	assert.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	assert.Equal(t, []session.EndReason{session.ReasonTeardown}, env.rec.endReasons())

	resp = c.ServeRTSP(request("TEARDOWN", "rtsp://127.0.0.1/1", nil, nil))
	assert.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Len(t, env.rec.endReasons(), 1)
}

func TestSetupTCPTransport(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	c := env.conn(40000)
	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(pcmAnnounce()).StatusCode)

	resp := c.ServeRTSP(setupRequest("RTP/AVP/TCP;unicast;interleaved=0-1;mode=record"))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	tr, err := rtsp.ParseTransport(resp.Header.Get("Transport"))
	require.NoError(t, err)
	assert.True(t, tr.TCP())
	assert.Equal(t, "0-1", tr.Interleaved)
	assert.Equal(t, c.Session().Ports().Data, tr.ServerPort)
}

func TestSetupRejectsUnsupportedTransport(t *testing.T) {
	tests := []struct {
		name      string
		transport string
		tcp       bool
	}{
		{name: "missing", transport: ""},
		{name: "not rtp", transport: "RAW/RAW/UDP;unicast;mode=record", tcp: true},
		{name: "play mode", transport: "RTP/AVP/UDP;unicast;mode=play", tcp: true},
		{name: "tcp disabled", transport: "RTP/AVP/TCP;unicast;interleaved=0-1;mode=record"},
		{name: "bad port", transport: "RTP/AVP/UDP;unicast;mode=record;control_port=99999", tcp: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
				cfg.Capabilities.TCP = tt.tcp
			})
			c := env.conn(40000)
			require.Equal(t, rtsp.StatusOK, c.ServeRTSP(pcmAnnounce()).StatusCode)

			resp := c.ServeRTSP(setupRequest(tt.transport))
			assert.Equal(t, rtsp.StatusUnsupportedTransport, resp.StatusCode)
			assert.Equal(t, session.StateAnnounced, c.Session().State())
		})
	}
}

func TestSetupRequiresKeysWhenEncryptionMandatory(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
		cfg.Capabilities.Encryption = []crypto.Scheme{crypto.SchemeChaCha20Poly1305}
	})
	c := env.conn(40000)
	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(pcmAnnounce()).StatusCode)

	resp := c.ServeRTSP(setupRequest(udpTransport))
	assert.Equal(t, rtsp.StatusConnectionAuthRequired, resp.StatusCode)
}

func TestAnnounceRejectsDisabledCodec(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
		cfg.Capabilities.Codecs = []audio.Codec{audio.CodecALAC}
	})
	c := env.conn(40000)

	resp := c.ServeRTSP(pcmAnnounce())
	assert.Equal(t, rtsp.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Nil(t, c.Session())
}

func TestAnnounceRejectsWrongContentType(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	req := pcmAnnounce()
	req.Header.Set("Content-Type", "text/plain")
	resp := env.conn(40000).ServeRTSP(req)
	assert.Equal(t, rtsp.StatusBadRequest, resp.StatusCode)
}

func TestRejectPolicyRefusesSecondSender(t *testing.T) {
	env := newTestEnv(t, session.PolicyReject, nil)
	first, second := env.conn(40000), env.conn(40001)

	require.Equal(t, rtsp.StatusOK, first.ServeRTSP(pcmAnnounce()).StatusCode)
	resp := second.ServeRTSP(pcmAnnounce())
	assert.Equal(t, rtsp.StatusNotEnoughBandwidth, resp.StatusCode)
	assert.Nil(t, second.Session())
	assert.Equal(t, session.StateAnnounced, first.Session().State())
}

func TestPreemptPolicyReplacesSession(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	first, second := env.conn(40000), env.conn(40001)

	require.Equal(t, rtsp.StatusOK, first.ServeRTSP(pcmAnnounce()).StatusCode)
	require.Equal(t, rtsp.StatusOK, second.ServeRTSP(pcmAnnounce()).StatusCode)

	assert.Equal(t, session.StateTornDown, first.Session().State())
	assert.Equal(t, []session.EndReason{session.ReasonPreempted}, env.rec.endReasons())

	resp := first.ServeRTSP(setupRequest(udpTransport))
	assert.Equal(t, rtsp.StatusMethodNotValidInState, resp.StatusCode)
}

func TestCommandsOutOfOrder(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	c := env.conn(40000)

	for _, method := range []string{"SETUP", "RECORD", "PLAY", "PAUSE", "FLUSH", "SET_PARAMETER"} {
		resp := c.ServeRTSP(request(method, "rtsp://127.0.0.1/1", map[string]string{"Transport": udpTransport}, nil))
		assert.Equal(t, rtsp.StatusMethodNotValidInState, resp.StatusCode, method)
	}

	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(pcmAnnounce()).StatusCode)
	for _, method := range []string{"RECORD", "PLAY", "FLUSH"} {
		resp := c.ServeRTSP(request(method, "rtsp://127.0.0.1/1", nil, nil))
		assert.Equal(t, rtsp.StatusMethodNotValidInState, resp.StatusCode, method)
	}
	assert.Equal(t, session.StateAnnounced, c.Session().State())
}

func TestDigestAuthentication(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
		cfg.Password = "secret"
	})
	c := env.conn(40000)

	resp := c.ServeRTSP(request("OPTIONS", "*", nil, nil))
	assert.Equal(t, rtsp.StatusOK, resp.StatusCode)

	resp = c.ServeRTSP(pcmAnnounce())
	require.Equal(t, rtsp.StatusUnauthorized, resp.StatusCode)
	challenge := resp.Header.Get("WWW-Authenticate")
	assert.Contains(t, challenge, `realm="airplay"`)

	_, after, ok := strings.Cut(challenge, `nonce="`)
	require.True(t, ok)
	nonce, _, _ := strings.Cut(after, `"`)
	require.NotEmpty(t, nonce)

	wrong := pcmAnnounce()
	wrong.Header.Set("Authorization", rtsp.DigestAuth{Password: "guess"}.Response("iTunes", "ANNOUNCE", wrong.URL, nonce))
	assert.Equal(t, rtsp.StatusUnauthorized, c.ServeRTSP(wrong).StatusCode)

	right := pcmAnnounce()
	right.Header.Set("Authorization", rtsp.DigestAuth{Password: "secret"}.Response("iTunes", "ANNOUNCE", right.URL, nonce))
	assert.Equal(t, rtsp.StatusOK, c.ServeRTSP(right).StatusCode)
}

func TestAppleChallengeAnswered(t *testing.T) {
	key, err := crypto.GenerateRSAKey(1024, nil)
	require.NoError(t, err)
	env := newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
		cfg.RSAKey = key
	})

	challenge := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
	resp := env.conn(40000).ServeRTSP(request("OPTIONS", "*", map[string]string{"Apple-Challenge": challenge}, nil))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Apple-Response"))

	resp = env.conn(40001).ServeRTSP(request("OPTIONS", "*", map[string]string{"Apple-Challenge": "%%%"}, nil))
	assert.Equal(t, rtsp.StatusConnectionAuthRequired, resp.StatusCode)
}

func TestAnnounceInstallsLegacyKeys(t *testing.T) {
	key, err := crypto.GenerateRSAKey(1024, nil)
	require.NoError(t, err)
	env := newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
		cfg.RSAKey = key
	})

	wrapped, err := crypto.WrapAESKey(key.Public(), []byte("0123456789abcdef"), nil)
	require.NoError(t, err)
	iv := base64.StdEncoding.EncodeToString([]byte("fedcba9876543210"))
	req := request("ANNOUNCE", "rtsp://127.0.0.1/1", map[string]string{"Content-Type": "application/sdp"},
		sdpBody("m=audio 0 RTP/AVP 96", "a=rtpmap:96 L16/44100/2", "a=rsaaeskey:"+wrapped, "a=aesiv:"+iv))

	c := env.conn(40000)
	resp := c.ServeRTSP(req)
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, crypto.SchemeAESCBC, c.Session().Scheme())
}

func TestAnnounceLegacyKeysWithoutRSAKey(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	req := request("ANNOUNCE", "rtsp://127.0.0.1/1", map[string]string{"Content-Type": "application/sdp"},
		sdpBody("m=audio 0 RTP/AVP 96", "a=rtpmap:96 L16/44100/2", "a=rsaaeskey:AAAA", "a=aesiv:AAAA"))
	resp := env.conn(40000).ServeRTSP(req)
	assert.Equal(t, rtsp.StatusConnectionAuthRequired, resp.StatusCode)
}

func TestPairVerifyInstallsSessionKeys(t *testing.T) {
	negotiator, err := crypto.NewNegotiator(nil, nil)
	require.NoError(t, err)
	env := newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
		cfg.Negotiator = negotiator
	})
	c := env.conn(40000)

	curvePrivate := make([]byte, curve25519.ScalarSize)
	_, err = rand.Read(curvePrivate)
	require.NoError(t, err)
	curvePublic, err := curve25519.X25519(curvePrivate, curve25519.Basepoint)
	require.NoError(t, err)
	signPublic, signPrivate, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	resp := c.ServeRTSP(request("POST", "/pair-setup", nil, signPublic))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte(negotiator.PublicKey()), resp.Body)

	initial := append([]byte{1, 0, 0, 0}, curvePublic...)
	initial = append(initial, signPublic...)
	resp = c.ServeRTSP(request("POST", "/pair-verify", nil, initial))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	require.Len(t, resp.Body, crypto.ResponseSize)

	serverKey := resp.Body[:crypto.PublicKeySize]
	shared, err := curve25519.X25519(curvePrivate, serverKey)
	require.NoError(t, err)
	stream, err := crypto.NewPairVerifyStream(shared)
	require.NoError(t, err)
	serverSignature := make([]byte, crypto.SignatureSize)
	stream.XORKeyStream(serverSignature, resp.Body[crypto.PublicKeySize:])

	signature := ed25519.Sign(signPrivate, append(append([]byte{}, curvePublic...), serverKey...))
	encrypted := make([]byte, crypto.SignatureSize)
	stream.XORKeyStream(encrypted, signature)

	resp = c.ServeRTSP(request("POST", "/pair-verify", nil, append([]byte{0, 0, 0, 0}, encrypted...)))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	require.NotNil(t, c.Session())
	assert.Equal(t, crypto.SchemeChaCha20Poly1305, c.Session().Scheme())
	assert.Nil(t, c.handshake)

	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(pcmAnnounce()).StatusCode)
	assert.Equal(t, crypto.SchemeChaCha20Poly1305, c.Session().Scheme())
}

func TestPairingRequests(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	resp := env.conn(40000).ServeRTSP(request("POST", "/pair-verify", nil, make([]byte, 68)))
	assert.Equal(t, rtsp.StatusNotImplemented, resp.StatusCode)

	negotiator, err := crypto.NewNegotiator(nil, nil)
	require.NoError(t, err)
	env = newTestEnv(t, session.PolicyPreempt, func(cfg *Config) {
		cfg.Negotiator = negotiator
	})
	c := env.conn(40000)

	tests := []struct {
		name string
		url  string
		body []byte
	}{
		{name: "short setup key", url: "/pair-setup", body: make([]byte, 8)},
		{name: "short verify body", url: "/pair-verify", body: []byte{1}},
		{name: "signature before key exchange", url: "/pair-verify", body: make([]byte, 4+crypto.SignatureSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.ServeRTSP(request("POST", tt.url, nil, tt.body))
			assert.Equal(t, rtsp.StatusConnectionAuthRequired, resp.StatusCode)
		})
	}
	assert.Nil(t, c.Session())
}

func TestParameters(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	c := env.conn(40000)
	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(pcmAnnounce()).StatusCode)
	s := c.Session()

	text := map[string]string{"Content-Type": "text/parameters"}
	resp := c.ServeRTSP(request("SET_PARAMETER", "rtsp://127.0.0.1/1", text, []byte("volume: -20.5\r\n")))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, -20.5, s.Volume())

	resp = c.ServeRTSP(request("GET_PARAMETER", "rtsp://127.0.0.1/1", text, []byte("volume\r\n")))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, "volume: -20.500000\r\n", string(resp.Body))

	resp = c.ServeRTSP(request("SET_PARAMETER", "rtsp://127.0.0.1/1", text, []byte("volume: -500\r\n")))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, session.MuteVolume, s.Volume())

	resp = c.ServeRTSP(request("SET_PARAMETER", "rtsp://127.0.0.1/1", text, []byte("progress: 1000/45100/441000\r\n")))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	assert.Equal(t, session.Progress{Start: 1000, Current: 45100, End: 441000}, s.Progress())

	dmap := audio.EncodeDMAPItem("mlit", append(
		audio.EncodeDMAPItem("minm", []byte("Song")),
		audio.EncodeDMAPItem("asar", []byte("Band"))...))
	resp = c.ServeRTSP(request("SET_PARAMETER", "rtsp://127.0.0.1/1",
		map[string]string{"Content-Type": "application/x-dmap-tagged"}, dmap))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)

	resp = c.ServeRTSP(request("SET_PARAMETER", "rtsp://127.0.0.1/1",
		map[string]string{"Content-Type": "image/jpeg"}, []byte{0xFF, 0xD8, 0xFF}))
	require.Equal(t, rtsp.StatusOK, resp.StatusCode)

	meta := s.Metadata()
	assert.Equal(t, "Song", meta.Title)
	assert.Equal(t, "Band", meta.Artist)
	assert.Equal(t, "image/jpeg", meta.ArtworkType)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, meta.Artwork)

	env.rec.mu.Lock()
	assert.Equal(t, []float64{-20.5, session.MuteVolume}, env.rec.volumes)
	env.rec.mu.Unlock()
}

func TestMalformedParameters(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	c := env.conn(40000)
	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(pcmAnnounce()).StatusCode)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "no colon", contentType: "text/parameters", body: "volume\r\n"},
		{name: "bad volume", contentType: "text/parameters", body: "volume: loud\r\n"},
		{name: "bad progress", contentType: "text/parameters", body: "progress: 1/2\r\n"},
		{name: "truncated dmap", contentType: "application/x-dmap-tagged", body: "minm\x00\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.ServeRTSP(request("SET_PARAMETER", "rtsp://127.0.0.1/1",
				map[string]string{"Content-Type": tt.contentType}, []byte(tt.body)))
			assert.Equal(t, rtsp.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, session.StateAnnounced, c.Session().State())
}

func TestRemoteControlHeaders(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	c := env.conn(40000)
	req := pcmAnnounce()
	req.Header.Set("DACP-ID", "14413BE4996FEA4D")
	req.Header.Set("Active-Remote", "2543110914")
	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(req).StatusCode)

	want := session.RemoteControl{DACPID: "14413BE4996FEA4D", ActiveRemote: "2543110914"}
	assert.Equal(t, want, c.Session().Remote())

	// SETUP repeats the same identifiers; the host hears about them once.
	setup := setupRequest(udpTransport)
	setup.Header.Set("DACP-ID", "14413BE4996FEA4D")
	setup.Header.Set("Active-Remote", "2543110914")
	require.Equal(t, rtsp.StatusOK, c.ServeRTSP(setup).StatusCode)

	env.rec.mu.Lock()
	defer env.rec.mu.Unlock()
	assert.Equal(t, []session.RemoteControl{want}, env.rec.remotes)
}

// readResponse reads one response off a raw control connection.
func readResponse(t *testing.T, br *bufio.Reader) (int, textproto.MIMEHeader) {
	t.Helper()
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	require.NoError(t, err)
	var proto string
	var status int
	_, err = fmt.Sscanf(line, "%s %d", &proto, &status)
	require.NoError(t, err)
	header, err := tp.ReadMIMEHeader()
	require.NoError(t, err)
	n, err := strconv.Atoi(header.Get("Content-Length"))
	require.NoError(t, err)
	_, err = io.CopyN(io.Discard, br, int64(n))
	require.NoError(t, err)
	return status, header
}

func TestConnectionLossEndsSession(t *testing.T) {
	env := newTestEnv(t, session.PolicyPreempt, nil)
	srv := rtsp.NewServer(env.handler.NewConn)
	port, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	br := bufio.NewReader(conn)

	body := sdpBody("m=audio 0 RTP/AVP 96", "a=rtpmap:96 L16/44100/2")
	_, err = fmt.Fprintf(conn, "ANNOUNCE rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 1\r\nContent-Type: application/sdp\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
	require.NoError(t, err)
	status, header := readResponse(t, br)
	require.Equal(t, rtsp.StatusOK, status)
	assert.Equal(t, "1", header.Get("CSeq"))
	require.NotNil(t, env.manager.Active())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		reasons := env.rec.endReasons()
		return len(reasons) == 1 && reasons[0] == session.ReasonConnectionClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, env.manager.Active())
}
