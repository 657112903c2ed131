package audio

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// OpusDecoder wraps the pure Go pion/opus decoder.
type OpusDecoder struct {
	decoder opus.Decoder
	format  Format
}

// NewOpusDecoder creates an Opus decoder for the negotiated format.
func NewOpusDecoder(format Format) *OpusDecoder {
	return &OpusDecoder{decoder: opus.NewDecoder(), format: format}
}

// Decode decodes one Opus packet. pion/opus writes little-endian 16-bit
// samples into a buffer sized for one full frame. It panics on some
// malformed SILK frames; those are reported as ErrDecode.
func (d *OpusDecoder) Decode(payload []byte) (pcm []int16, err error) {
	defer func() {
		if r := recover(); r != nil {
			pcm = nil
			err = oops.Wrapf(ErrDecode, "opus: %v", r)
			logrus.WithFields(logrus.Fields{
				"function": "OpusDecoder.Decode",
				"size":     len(payload),
				"panic":    fmt.Sprint(r),
			}).Warn("Opus decoder rejected malformed packet")
		}
	}()

	if len(payload) == 0 {
		return nil, oops.Wrapf(ErrDecode, "empty opus packet")
	}

	output := make([]byte, d.format.FrameLength*d.format.Channels*2)
	bandwidth, isStereo, err := d.decoder.Decode(payload, output)
	if err != nil {
		return nil, oops.Wrapf(ErrDecode, "opus: %v", err)
	}
	if isStereo != (d.format.Channels == 2) {
		return nil, oops.Wrapf(ErrDecode, "opus packet stereo=%t does not match %d channels", isStereo, d.format.Channels)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpusDecoder.Decode",
		"bandwidth": bandwidth.String(),
		"is_stereo": isStereo,
	}).Debug("Opus packet decoded")

	pcm = make([]int16, len(output)/2)
	for i := range pcm {
		pcm[i] = int16(output[i*2]) | int16(output[i*2+1])<<8
	}
	return pcm, nil
}
