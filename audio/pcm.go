package audio

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// PCMDecoder decodes L16 payloads: big-endian signed 16-bit interleaved samples.
type PCMDecoder struct {
	channels int
}

// NewPCMDecoder creates an L16 decoder.
func NewPCMDecoder(format Format) *PCMDecoder {
	return &PCMDecoder{channels: format.Channels}
}

// Decode converts network byte order samples to host int16 values.
func (d *PCMDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, oops.Wrapf(ErrDecode, "l16 payload has odd length %d", len(payload))
	}

	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return samples, nil
}

// EncodePCM is the inverse of PCMDecoder.Decode.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.BigEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
