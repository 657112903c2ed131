package audio

import (
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Decoder turns one decrypted packet payload into interleaved 16-bit samples.
// Decoders keep codec state between packets and are not safe for concurrent use.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
}

// Frame is one decoded packet. Ownership passes to the callback that
// receives it; the receiver keeps no reference afterwards.
type Frame struct {
	Samples []int16
	Format  Format

	Sequence uint16
	RTPTime  uint32
	// PresentationTime is the offset from the timing reference set at RECORD.
	PresentationTime time.Duration
	// PlayAt is the local wall-clock presentation time when the sender's
	// clock is synchronized, zero otherwise.
	PlayAt time.Time
}

// SampleFrames returns the number of samples per channel.
func (f *Frame) SampleFrames() int {
	if f.Format.Channels == 0 {
		return 0
	}
	return len(f.Samples) / f.Format.Channels
}

// NewDecoder returns the decoder for a validated format.
func NewDecoder(format Format) (Decoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewDecoder",
		"format":   format.String(),
	}).Debug("Creating audio decoder")

	switch format.Codec {
	case CodecALAC:
		return NewALACDecoder(format)
	case CodecPCM:
		return NewPCMDecoder(format), nil
	case CodecOpus:
		return NewOpusDecoder(format), nil
	default:
		return nil, oops.Wrapf(ErrUnsupportedFormat, "codec %q", format.Codec)
	}
}
