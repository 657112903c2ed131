package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bitWriter struct {
	buf []byte
	n   uint
}

func (w *bitWriter) write(v uint32, bits uint) {
	for i := int(bits) - 1; i >= 0; i-- {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		bit := byte(v>>uint(i)) & 1
		w.buf[len(w.buf)-1] |= bit << (7 - w.n%8)
		w.n++
	}
}

// writeEscaped codes a prediction error with the raw-value escape so the
// test does not depend on the adaptive Rice parameter.
func (w *bitWriter) writeEscaped(v int32, readSize uint) {
	x := uint32(2 * v)
	if v < 0 {
		x = uint32(-2*v - 1)
	}
	w.write(0x1ff, 9)
	w.write(x, readSize)
}

func alacFormat(channels int) Format {
	cfg := DefaultALACConfig()
	cfg.Channels = uint8(channels)
	return Format{
		Codec:       CodecALAC,
		PayloadType: 96,
		SampleRate:  44100,
		BitDepth:    16,
		Channels:    channels,
		FrameLength: int(cfg.FrameLength),
		ALAC:        cfg,
	}
}

func frameHeader(w *bitWriter, stereo bool, samples uint32, compressed bool) {
	if stereo {
		w.write(alacChannelStereo, 3)
	} else {
		w.write(alacChannelMono, 3)
	}
	w.write(0, 4)
	w.write(0, 12)
	w.write(1, 1) // has size
	w.write(0, 2) // uncompressed bytes
	if compressed {
		w.write(0, 1)
	} else {
		w.write(1, 1)
	}
	w.write(samples, 32)
}

func TestALACVerbatimStereo(t *testing.T) {
	left := []int16{0, 1000, -1000, 32767, -32768}
	right := []int16{5, -5, 12345, -12345, 0}

	w := &bitWriter{}
	frameHeader(w, true, uint32(len(left)), false)
	for i := range left {
		w.write(uint32(uint16(left[i])), 16)
		w.write(uint32(uint16(right[i])), 16)
	}

	dec, err := NewALACDecoder(alacFormat(2))
	require.NoError(t, err)

	samples, err := dec.Decode(w.buf)
	require.NoError(t, err)
	require.Len(t, samples, 2*len(left))
	for i := range left {
		assert.Equal(t, left[i], samples[2*i], "left %d", i)
		assert.Equal(t, right[i], samples[2*i+1], "right %d", i)
	}
}

func TestALACCompressedStereoWithoutPrediction(t *testing.T) {
	left := []int32{100, -200, 300, -5, 7, 1000, -1000, 2}
	right := []int32{-3, 4, 50, 60, -70, 80, 90, -4000}

	w := &bitWriter{}
	frameHeader(w, true, uint32(len(left)), true)
	w.write(0, 8) // interlacing shift
	w.write(0, 8) // left weight
	for ch := 0; ch < 2; ch++ {
		w.write(0, 4) // prediction type
		w.write(0, 4) // quantization
		w.write(4, 3) // rice modifier
		w.write(0, 5) // no coefficients
	}
	for _, v := range left {
		w.writeEscaped(v, 17)
	}
	for _, v := range right {
		w.writeEscaped(v, 17)
	}

	dec, err := NewALACDecoder(alacFormat(2))
	require.NoError(t, err)

	samples, err := dec.Decode(w.buf)
	require.NoError(t, err)
	require.Len(t, samples, 2*len(left))
	for i := range left {
		assert.Equal(t, int16(left[i]), samples[2*i], "left %d", i)
		assert.Equal(t, int16(right[i]), samples[2*i+1], "right %d", i)
	}
}

func TestALACCompressedMonoDeltaPrediction(t *testing.T) {
	residuals := []int32{500, 30, -20, 100, -300}
	want := []int16{500, 530, 510, 610, 310}

	w := &bitWriter{}
	frameHeader(w, false, uint32(len(residuals)), true)
	w.write(0, 4)
	w.write(0, 4)
	w.write(4, 3)
	w.write(31, 5)
	for i := 0; i < 31; i++ {
		w.write(0, 16)
	}
	for _, v := range residuals {
		w.writeEscaped(v, 16)
	}

	dec, err := NewALACDecoder(alacFormat(1))
	require.NoError(t, err)

	samples, err := dec.Decode(w.buf)
	require.NoError(t, err)
	assert.Equal(t, want, samples)
}

func TestALACRejectsCorruptFrames(t *testing.T) {
	valid := func() *bitWriter {
		w := &bitWriter{}
		frameHeader(w, true, 4, false)
		for i := 0; i < 8; i++ {
			w.write(1, 16)
		}
		return w
	}

	tests := []struct {
		name    string
		payload func() []byte
	}{
		{name: "empty", payload: func() []byte { return nil }},
		{name: "truncated samples", payload: func() []byte { return valid().buf[:10] }},
		{name: "unknown element", payload: func() []byte { return []byte{0xE0, 0, 0, 0, 0, 0, 0, 0} }},
		{
			name: "mono element for stereo session",
			payload: func() []byte {
				w := &bitWriter{}
				frameHeader(w, false, 1, false)
				w.write(1, 16)
				return w.buf
			},
		},
		{
			name: "sample count above frame length",
			payload: func() []byte {
				w := &bitWriter{}
				frameHeader(w, true, 100000, false)
				return w.buf
			},
		},
		{
			name: "unsupported prediction type",
			payload: func() []byte {
				w := &bitWriter{}
				frameHeader(w, true, 2, true)
				w.write(0, 16)
				for ch := 0; ch < 2; ch++ {
					w.write(3, 4)
					w.write(0, 4)
					w.write(4, 3)
					w.write(0, 5)
				}
				for i := 0; i < 4; i++ {
					w.writeEscaped(10, 17)
				}
				return w.buf
			},
		},
	}

	dec, err := NewALACDecoder(alacFormat(2))
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, err := dec.Decode(tt.payload())
			assert.ErrorIs(t, err, ErrDecode)
			assert.Nil(t, samples)
		})
	}
}

func TestNewALACDecoderValidation(t *testing.T) {
	f := alacFormat(2)
	f.ALAC = nil
	_, err := NewALACDecoder(f)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	f = alacFormat(2)
	f.ALAC.BitDepth = 24
	_, err = NewALACDecoder(f)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
