package session

import (
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/pipeline"
	"github.com/opd-ai/raopcore/rtp"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// TransportParams are the sender's transport choices from SETUP.
type TransportParams struct {
	Mode rtp.Mode
	// Remote is the sender's address; ControlPort and TimingPort are its
	// control and timing ports, zero when not offered.
	Remote      net.IP
	ControlPort int
	TimingPort  int
}

// RecordInfo is the RTP-Info of RECORD or FLUSH.
type RecordInfo struct {
	Sequence uint16
	RTPTime  uint32
	// Valid is false when the request carried no RTP-Info.
	Valid bool
}

// Session is one negotiated sender connection, from admission to teardown.
// A Session is never reused; every admission creates a new identity.
//
// Locking: deliverMu serializes packet delivery with transitions that
// affect it, and is always taken before mu.
type Session struct {
	id      uuid.UUID
	peer    string
	created time.Time
	manager *Manager

	deliverMu sync.Mutex

	mu        sync.Mutex
	state     State
	format    audio.Format
	hasFormat bool
	keys      *crypto.SessionKeys
	receiver  *rtp.Receiver
	pipeline  *pipeline.Pipeline
	record    RecordInfo
	metadata  Metadata
	progress  Progress
	remote    RemoteControl
	endReason EndReason
	endErr    error

	volume       atomic.Uint64
	lastActivity atomic.Int64
}

func newSession(m *Manager, peer string) *Session {
	s := &Session{
		id:      uuid.New(),
		peer:    peer,
		created: m.now(),
		manager: m,
		state:   StateInit,
		keys:    crypto.NoEncryption(),
	}
	s.volume.Store(math.Float64bits(MaxVolume))
	s.touch()
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Peer returns the sender's address as seen by the control channel.
func (s *Session) Peer() string {
	return s.peer
}

// CreatedAt returns the admission time.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Format returns the announced audio format.
func (s *Session) Format() (audio.Format, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format, s.hasFormat
}

// Scheme returns the cipher scheme of the installed keys.
func (s *Session) Scheme() crypto.Scheme {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return crypto.SchemeNone
	}
	return s.keys.Scheme
}

// Volume returns the current volume in dB.
func (s *Session) Volume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// Metadata returns a copy of the current metadata.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata.clone()
}

// Progress returns the last reported track progress.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Remote returns the sender's remote control identifiers.
func (s *Session) Remote() RemoteControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// RecordInfo returns the timing reference set by RECORD or the last FLUSH.
func (s *Session) RecordInfo() RecordInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Ports returns the bound transport ports, zero before SETUP.
func (s *Session) Ports() rtp.Ports {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiver == nil {
		return rtp.Ports{}
	}
	return s.receiver.Ports()
}

// TransportStats returns the reorder counters of the audio transport.
func (s *Session) TransportStats() rtp.ReorderStats {
	s.mu.Lock()
	receiver := s.receiver
	s.mu.Unlock()
	if receiver == nil {
		return rtp.ReorderStats{}
	}
	return receiver.Stats()
}

// EndReason returns why the session ended, empty while it is active.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// LastActivity returns the time of the last control request or packet.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Touch records activity; the control channel calls it for each request.
func (s *Session) Touch() {
	s.touch()
}

func (s *Session) touch() {
	s.lastActivity.Store(s.manager.now().UnixNano())
}

func (s *Session) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":   function,
		"session_id": s.id.String(),
		"peer":       s.peer,
	})
}

// checkLocked validates cmd against the current state. s.mu must be held.
func (s *Session) checkLocked(cmd Command) (State, error) {
	next, err := NextState(s.state, cmd)
	if err != nil {
		s.logger("Session."+cmd.String()).WithField("state", s.state.String()).Debug("Rejected command")
	}
	return next, err
}

// InstallKeys installs key material from a pairing or an announced RSA key.
// It is accepted before SETUP only.
func (s *Session) InstallKeys(keys *crypto.SessionKeys) error {
	if err := keys.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.checkLocked(CommandKeys); err != nil {
		return err
	}
	s.keys.Wipe()
	s.keys = keys.Clone()
	return nil
}

// Announce accepts the audio format. Keys, when not nil, replace the
// installed ones.
func (s *Session) Announce(format audio.Format, keys *crypto.SessionKeys) error {
	s.touch()
	if err := format.Validate(); err != nil {
		return err
	}
	if keys != nil {
		if err := keys.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.checkLocked(CommandAnnounce)
	if err != nil {
		return err
	}
	s.format = format
	s.hasFormat = true
	if keys != nil {
		s.keys.Wipe()
		s.keys = keys.Clone()
	}
	s.state = next

	s.logger("Session.Announce").WithFields(logrus.Fields{
		"format": format.String(),
		"scheme": s.keys.Scheme.String(),
	}).Info("Session announced")
	return nil
}

// Setup binds the audio transport and builds the decode pipeline.
func (s *Session) Setup(params TransportParams) (rtp.Ports, error) {
	s.touch()

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.checkLocked(CommandSetup)
	if err != nil {
		return rtp.Ports{}, err
	}
	if !s.hasFormat {
		return rtp.Ports{}, oops.Wrapf(ErrProtocolState, "%v", ErrNoFormat)
	}

	cfg := s.manager.cfg
	pipe, err := pipeline.New(s.keys, s.format, pipeline.Config{
		FailureThreshold: cfg.FailureThreshold,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return rtp.Ports{}, err
	}

	recvCfg := rtp.DefaultConfig()
	recvCfg.BindAddress = cfg.BindAddress
	recvCfg.Mode = params.Mode
	recvCfg.Window = cfg.ReorderWindow
	recvCfg.Remote = params.Remote
	recvCfg.RemoteControlPort = params.ControlPort
	recvCfg.RemoteTimingPort = params.TimingPort
	recvCfg.Metrics = cfg.Metrics
	receiver, err := rtp.NewReceiver(recvCfg, sink{s})
	if err != nil {
		pipe.Close()
		return rtp.Ports{}, err
	}

	s.pipeline = pipe
	s.receiver = receiver
	s.state = next

	ports := receiver.Ports()
	s.logger("Session.Setup").WithFields(logrus.Fields{
		"mode":         params.Mode.String(),
		"data_port":    ports.Data,
		"control_port": ports.Control,
		"timing_port":  ports.Timing,
	}).Info("Session transport set up")
	return ports, nil
}

// Record establishes the timing reference and starts delivery. The host's
// AudioFormatInitialized callback runs before the first frame can be
// delivered.
func (s *Session) Record(info RecordInfo) error {
	s.touch()
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if _, err := s.checkLocked(CommandRecord); err != nil {
		s.mu.Unlock()
		return err
	}
	format := s.format
	s.mu.Unlock()

	s.manager.callbacks.AudioFormatInitialized(s, format)

	s.mu.Lock()
	next, err := s.checkLocked(CommandRecord)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.record = info
	if info.Valid {
		s.pipeline.SetTimingReference(info.RTPTime)
		s.receiver.Flush(info.Sequence, true)
	}
	s.state = next
	receiver := s.receiver
	s.mu.Unlock()

	if err := receiver.Start(); err != nil {
		return err
	}

	s.logger("Session.Record").WithFields(logrus.Fields{
		"seq":     info.Sequence,
		"rtptime": info.RTPTime,
	}).Info("Session recording")
	return nil
}

// Play resumes or starts delivery.
func (s *Session) Play() error {
	return s.transition(CommandPlay)
}

// Pause suppresses delivery. Once Pause returns, no further frame reaches
// the host until Play.
func (s *Session) Pause() error {
	return s.transition(CommandPause)
}

func (s *Session) transition(cmd Command) error {
	s.touch()
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.checkLocked(cmd)
	if err != nil {
		return err
	}
	s.logger("Session."+cmd.String()).WithFields(logrus.Fields{
		"from": s.state.String(),
		"to":   next.String(),
	}).Debug("Session state changed")
	s.state = next
	return nil
}

// Flush discards buffered audio. With a valid RecordInfo, delivery restarts
// at its sequence and presentation times count from its timestamp.
func (s *Session) Flush(info RecordInfo) error {
	s.touch()
	s.deliverMu.Lock()

	s.mu.Lock()
	if _, err := s.checkLocked(CommandFlush); err != nil {
		s.mu.Unlock()
		s.deliverMu.Unlock()
		return err
	}
	discarded := s.receiver.Flush(info.Sequence, info.Valid)
	if info.Valid {
		s.record = info
		s.pipeline.SetTimingReference(info.RTPTime)
	}
	s.mu.Unlock()
	s.deliverMu.Unlock()

	s.logger("Session.Flush").WithFields(logrus.Fields{
		"seq":       info.Sequence,
		"discarded": discarded,
	}).Debug("Session flushed")

	if h, ok := s.manager.callbacks.(FlushHandler); ok {
		h.AudioFlushed(s)
	}
	return nil
}

// SetVolume stores the clamped volume and notifies the host.
func (s *Session) SetVolume(volume float64) (float64, error) {
	s.touch()
	if err := s.checkParameter(); err != nil {
		return 0, err
	}
	volume = ClampVolume(volume)
	s.volume.Store(math.Float64bits(volume))
	s.manager.callbacks.VolumeChanged(s, volume)
	return volume, nil
}

// SetMetadata merges parsed DMAP fields and notifies the host.
func (s *Session) SetMetadata(fields map[string]string) error {
	s.touch()
	s.mu.Lock()
	if _, err := s.checkLocked(CommandParameter); err != nil {
		s.mu.Unlock()
		return err
	}
	s.metadata.merge(fields)
	meta := s.metadata.clone()
	s.mu.Unlock()

	s.manager.callbacks.MetadataChanged(s, meta)
	return nil
}

// SetArtwork stores cover art and notifies the host.
func (s *Session) SetArtwork(contentType string, data []byte) error {
	s.touch()
	s.mu.Lock()
	if _, err := s.checkLocked(CommandParameter); err != nil {
		s.mu.Unlock()
		return err
	}
	s.metadata.Artwork = append([]byte(nil), data...)
	s.metadata.ArtworkType = contentType
	meta := s.metadata.clone()
	s.mu.Unlock()

	s.manager.callbacks.MetadataChanged(s, meta)
	return nil
}

// SetProgress stores track progress and notifies hosts that want it.
func (s *Session) SetProgress(progress Progress) error {
	s.touch()
	s.mu.Lock()
	if _, err := s.checkLocked(CommandParameter); err != nil {
		s.mu.Unlock()
		return err
	}
	s.progress = progress
	s.mu.Unlock()

	if h, ok := s.manager.callbacks.(ProgressHandler); ok {
		h.ProgressChanged(s, progress)
	}
	return nil
}

// SetRemote records the sender's DACP identifiers and notifies hosts that
// want them when they change. Ended sessions ignore it.
func (s *Session) SetRemote(remote RemoteControl) {
	s.mu.Lock()
	if s.state.Terminal() || s.remote == remote {
		s.mu.Unlock()
		return
	}
	s.remote = remote
	s.mu.Unlock()

	s.logger("Session.SetRemote").WithFields(logrus.Fields{
		"dacp_id":       remote.DACPID,
		"active_remote": remote.ActiveRemote,
	}).Debug("Remote control identifiers changed")
	if h, ok := s.manager.callbacks.(RemoteControlHandler); ok {
		h.RemoteControlChanged(s, remote)
	}
}

func (s *Session) checkParameter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.checkLocked(CommandParameter)
	return err
}

// Teardown ends the session on request. It is idempotent.
func (s *Session) Teardown() error {
	s.End(ReasonTeardown, nil)
	return nil
}

// End tears the session down for reason. The first call fires
// SessionEnded and releases the transport and key material before
// returning; later calls do nothing and return false.
func (s *Session) End(reason EndReason, cause error) bool {
	s.deliverMu.Lock()
	ended := s.endLocked(reason, cause)
	s.deliverMu.Unlock()

	if ended {
		s.mu.Lock()
		receiver := s.receiver
		s.mu.Unlock()
		if receiver != nil {
			receiver.Wait()
		}
	}
	return ended
}

// endLocked performs the teardown with deliverMu held. It does not wait for
// the receiver goroutines, so the receiver's worker may call it.
func (s *Session) endLocked(reason EndReason, cause error) bool {
	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = StateTornDown
	s.endReason = reason
	s.endErr = cause
	receiver, pipe, keys := s.receiver, s.pipeline, s.keys
	s.keys = nil
	s.mu.Unlock()

	s.manager.release(s)

	entry := s.logger("Session.End").WithFields(logrus.Fields{
		"reason": string(reason),
		"from":   from.String(),
	})
	if cause != nil {
		entry.WithError(cause).Warn("Session ended with error")
	} else {
		entry.Info("Session ended")
	}

	s.manager.callbacks.SessionEnded(s, reason, cause)
	s.manager.cfg.Metrics.SessionEnded(string(reason))

	if receiver != nil {
		_ = receiver.Close()
	}
	if pipe != nil {
		pipe.Close()
	}
	keys.Wipe()
	return true
}

// sink adapts a Session to rtp.PacketHandler without exporting the
// delivery path.
type sink struct {
	s *Session
}

func (k sink) HandlePacket(p *rtp.AudioPacket) {
	s := k.s
	s.touch()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	state, pipe := s.state, s.pipeline
	s.mu.Unlock()
	if !state.Delivering() {
		return
	}

	frame, err := pipe.Process(p)
	if err != nil {
		if errors.Is(err, ErrSessionIntegrity) {
			s.endLocked(ReasonIntegrity, err)
		}
		return
	}

	if err := s.manager.callbacks.FrameDecoded(s, frame); err != nil {
		s.logger("Session.HandlePacket").WithFields(logrus.Fields{
			"sequence": frame.Sequence,
			"error":    err.Error(),
		}).Warn("Frame callback returned an error")
	}
}

func (k sink) HandleDropped(n int, reason string) {
	k.s.logger("Session.HandleDropped").WithFields(logrus.Fields{
		"count":  n,
		"reason": reason,
	}).Debug("Audio packets dropped")
}

func (k sink) HandleSync(sp *rtp.SyncPacket) {
	s := k.s
	s.touch()

	s.mu.Lock()
	receiver, pipe := s.receiver, s.pipeline
	s.mu.Unlock()
	if receiver == nil || pipe == nil {
		return
	}
	pipe.SetSync(sp.RTPTime, receiver.Clock().ToLocal(sp.NTPTime.Time()))
}
