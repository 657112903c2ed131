// Package pipeline turns received audio packets into decoded frames:
// decrypt, decode, then validate the frame shape against the negotiated
// format.
//
// A Pipeline counts consecutive per-packet failures. A success resets the
// count; when it exceeds the threshold the failing packet's error also
// wraps ErrSessionIntegrity, exactly once per pipeline, and the owner is
// expected to tear the session down.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/opd-ai/raopcore/metrics"
	"github.com/opd-ai/raopcore/rtp"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// DefaultFailureThreshold is the number of consecutive failures tolerated.
const DefaultFailureThreshold = 5

// Failure stages, used as metric labels.
const (
	StageDecryption = "decryption"
	StageDecode     = "decode"
	StageShape      = "shape"
)

// Config parameterizes a Pipeline.
type Config struct {
	// FailureThreshold is the number of consecutive failures tolerated
	// before escalation. Zero selects the default.
	FailureThreshold int
	Metrics          *metrics.Metrics
}

// Pipeline processes the packets of one session. Process is called from a
// single goroutine; the timing setters may be called concurrently with it.
type Pipeline struct {
	mu        sync.Mutex
	keys      *crypto.SessionKeys
	decrypter crypto.PacketDecrypter
	decoder   audio.Decoder
	format    audio.Format
	threshold int
	metrics   *metrics.Metrics

	failures  int
	escalated bool
	closed    bool

	reference    uint32
	hasReference bool
	lastRTPTime  uint32
	hasLast      bool

	syncRTPTime uint32
	syncAt      time.Time
	hasSync     bool
}

// New creates a pipeline for the negotiated keys and format.
//
// Parameters:
//   - keys: Session key material; the pipeline keeps its own copy
//   - format: Negotiated audio format
//   - cfg: Failure threshold and metrics
//
// Returns:
//   - *Pipeline: Ready pipeline
//   - error: Invalid keys or an unsupported format
func New(keys *crypto.SessionKeys, format audio.Format, cfg Config) (*Pipeline, error) {
	if keys == nil {
		keys = crypto.NoEncryption()
	}
	decrypter, err := crypto.NewDecrypter(keys)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create decrypter")
	}
	decoder, err := audio.NewDecoder(format)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create decoder")
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	logrus.WithFields(logrus.Fields{
		"function":  "pipeline.New",
		"scheme":    keys.Scheme.String(),
		"format":    format.String(),
		"threshold": threshold,
	}).Debug("Created decode pipeline")

	return &Pipeline{
		keys:      keys.Clone(),
		decrypter: decrypter,
		decoder:   decoder,
		format:    format,
		threshold: threshold,
		metrics:   cfg.Metrics,
	}, nil
}

// Format returns the negotiated format.
func (p *Pipeline) Format() audio.Format {
	return p.format
}

// SetTimingReference sets the RTP timestamp presentation times count from,
// normally the rtptime of RECORD or FLUSH.
func (p *Pipeline) SetTimingReference(rtpTime uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reference = rtpTime
	p.hasReference = true
}

// SetSync maps rtpTime to a local wall-clock instant, from a sync packet
// converted through the sender clock offset.
func (p *Pipeline) SetSync(rtpTime uint32, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncRTPTime = rtpTime
	p.syncAt = at
	p.hasSync = true
}

// Failures returns the current consecutive failure count.
func (p *Pipeline) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// LastTimestamp returns the RTP timestamp of the last decoded packet.
func (p *Pipeline) LastTimestamp() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRTPTime, p.hasLast
}

// Process decrypts, decodes and validates one packet.
func (p *Pipeline) Process(packet *rtp.AudioPacket) (*audio.Frame, error) {
	p.mu.Lock()
	decrypter, decoder := p.decrypter, p.decoder
	p.mu.Unlock()
	if decrypter == nil || decoder == nil {
		return nil, ErrClosed
	}

	start := time.Now()

	plaintext, err := decrypter.Decrypt(packet.Header, packet.Payload)
	if err != nil {
		if !errors.Is(err, crypto.ErrDecryption) {
			err = fmt.Errorf("%w: %v", crypto.ErrDecryption, err)
		}
		return nil, p.fail(StageDecryption, packet, err)
	}

	samples, err := decoder.Decode(plaintext)
	if err != nil {
		if !errors.Is(err, audio.ErrDecode) {
			err = fmt.Errorf("%w: %v", audio.ErrDecode, err)
		}
		return nil, p.fail(StageDecode, packet, err)
	}

	if err := p.validate(samples); err != nil {
		return nil, p.fail(StageShape, packet, err)
	}

	frame := p.succeed(packet, samples)
	p.metrics.FrameDecoded(time.Since(start))
	return frame, nil
}

func (p *Pipeline) validate(samples []int16) error {
	channels := p.format.Channels
	switch {
	case len(samples) == 0:
		return oops.Wrapf(ErrFrameShape, "no samples")
	case len(samples)%channels != 0:
		return oops.Wrapf(ErrFrameShape, "%d samples do not divide into %d channels", len(samples), channels)
	case p.format.FrameLength > 0 && len(samples) > p.format.FrameLength*channels:
		return oops.Wrapf(ErrFrameShape, "%d samples exceed frame length %d", len(samples)/channels, p.format.FrameLength)
	}
	return nil
}

func (p *Pipeline) succeed(packet *rtp.AudioPacket, samples []int16) *audio.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures = 0
	if !p.hasReference {
		p.reference = packet.Timestamp
		p.hasReference = true
	}
	p.lastRTPTime = packet.Timestamp
	p.hasLast = true

	frame := &audio.Frame{
		Samples:          samples,
		Format:           p.format,
		Sequence:         packet.Sequence,
		RTPTime:          packet.Timestamp,
		PresentationTime: p.rtpDuration(packet.Timestamp - p.reference),
	}
	if p.hasSync {
		frame.PlayAt = p.syncAt.Add(p.rtpDuration(packet.Timestamp - p.syncRTPTime))
	}
	return frame
}

// rtpDuration converts a signed RTP timestamp difference to a duration.
func (p *Pipeline) rtpDuration(delta uint32) time.Duration {
	if p.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(int32(delta)) * int64(time.Second) / int64(p.format.SampleRate))
}

func (p *Pipeline) fail(stage string, packet *rtp.AudioPacket, err error) error {
	p.metrics.PipelineFailure(stage)

	p.mu.Lock()
	p.failures++
	failures := p.failures
	escalate := failures > p.threshold && !p.escalated
	if escalate {
		p.escalated = true
	}
	p.mu.Unlock()

	fields := logrus.Fields{
		"function": "Pipeline.Process",
		"stage":    stage,
		"sequence": packet.Sequence,
		"failures": failures,
		"error":    err.Error(),
	}
	if !escalate {
		logrus.WithFields(fields).Debug("Dropped audio packet")
		return err
	}

	logrus.WithFields(fields).Warn("Consecutive failure threshold exceeded")
	return fmt.Errorf("%w after %d consecutive failures: %w", ErrSessionIntegrity, failures, err)
}

// Close releases the key material. Process fails with ErrClosed afterwards.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.keys.Wipe()
	p.decrypter = nil
	p.decoder = nil
}
