package audio

import (
	"github.com/samber/oops"
)

const (
	alacChannelMono   = 0
	alacChannelStereo = 1
	// riceThreshold is the unary prefix length that switches to an escaped raw value.
	riceThreshold = 8
	maxPredictors = 32
)

// ALACDecoder decodes Apple Lossless frames as sent by RAOP senders: a single
// mono or stereo element per packet, 16-bit output.
type ALACDecoder struct {
	cfg      ALACConfig
	channels int

	predictError [2][]int32
	output       [2][]int32
	extraBits    [2][]int32
}

// NewALACDecoder creates a decoder from the session's ALAC parameters.
func NewALACDecoder(format Format) (*ALACDecoder, error) {
	if format.ALAC == nil {
		return nil, oops.Wrapf(ErrUnsupportedFormat, "alac format without fmtp parameters")
	}
	cfg := *format.ALAC
	if cfg.BitDepth != 16 {
		return nil, oops.Wrapf(ErrUnsupportedFormat, "alac bit depth %d", cfg.BitDepth)
	}
	if cfg.FrameLength == 0 || cfg.FrameLength > 16384 {
		return nil, oops.Wrapf(ErrUnsupportedFormat, "alac frame length %d", cfg.FrameLength)
	}

	d := &ALACDecoder{cfg: cfg, channels: format.Channels}
	for ch := 0; ch < 2; ch++ {
		d.predictError[ch] = make([]int32, cfg.FrameLength)
		d.output[ch] = make([]int32, cfg.FrameLength)
		d.extraBits[ch] = make([]int32, cfg.FrameLength)
	}
	return d, nil
}

type channelParams struct {
	predictionType int
	quantization   uint
	riceModifier   uint32
	coefs          []int16
}

// Decode decodes one frame into interleaved samples.
func (d *ALACDecoder) Decode(payload []byte) ([]int16, error) {
	br := &bitReader{data: payload}

	element := br.read(3)
	var elementChannels int
	switch element {
	case alacChannelMono:
		elementChannels = 1
	case alacChannelStereo:
		elementChannels = 2
	default:
		return nil, oops.Wrapf(ErrDecode, "unsupported alac element %d", element)
	}
	if elementChannels != d.channels {
		return nil, oops.Wrapf(ErrDecode, "alac element has %d channels, session has %d", elementChannels, d.channels)
	}

	br.skip(4)
	br.skip(12)
	hasSize := br.read(1) == 1
	uncompressedBytes := uint(br.read(2))
	notCompressed := br.read(1) == 1

	samples := d.cfg.FrameLength
	if hasSize {
		samples = br.read(32)
	}
	if br.overrun {
		return nil, oops.Wrapf(ErrDecode, "alac frame header truncated")
	}
	if samples == 0 || samples > d.cfg.FrameLength {
		return nil, oops.Wrapf(ErrDecode, "alac frame declares %d samples, limit %d", samples, d.cfg.FrameLength)
	}
	n := int(samples)

	sampleSize := uint(d.cfg.BitDepth)
	if uncompressedBytes*8 >= sampleSize {
		return nil, oops.Wrapf(ErrDecode, "alac uncompressed byte count %d", uncompressedBytes)
	}

	shift, leftWeight := uint(0), int32(0)
	if notCompressed {
		for i := 0; i < n; i++ {
			for ch := 0; ch < elementChannels; ch++ {
				d.output[ch][i] = signExtend(int32(br.read(sampleSize)), sampleSize)
			}
		}
		uncompressedBytes = 0
	} else {
		readSize := sampleSize - uncompressedBytes*8
		if elementChannels == 2 {
			readSize++
			shift = uint(br.read(8))
			leftWeight = int32(br.read(8))
		}

		params := make([]channelParams, elementChannels)
		for ch := range params {
			p := &params[ch]
			p.predictionType = int(br.read(4))
			p.quantization = uint(br.read(4))
			p.riceModifier = br.read(3)
			p.coefs = make([]int16, br.read(5))
			for i := range p.coefs {
				p.coefs[i] = int16(br.read(16))
			}
		}

		if uncompressedBytes > 0 {
			for i := 0; i < n; i++ {
				for ch := 0; ch < elementChannels; ch++ {
					d.extraBits[ch][i] = int32(br.read(uncompressedBytes * 8))
				}
			}
		}

		for ch := 0; ch < elementChannels; ch++ {
			p := params[ch]
			historyMult := p.riceModifier * uint32(d.cfg.PB) / 4
			if err := d.riceDecode(br, d.predictError[ch][:n], readSize, historyMult); err != nil {
				return nil, err
			}
			if p.predictionType != 0 {
				return nil, oops.Wrapf(ErrDecode, "unsupported alac prediction type %d", p.predictionType)
			}
			predict(d.predictError[ch][:n], d.output[ch][:n], readSize, p.coefs, p.quantization)
		}
	}

	if br.overrun {
		return nil, oops.Wrapf(ErrDecode, "alac frame truncated")
	}

	if uncompressedBytes > 0 {
		bits := uncompressedBytes * 8
		for ch := 0; ch < elementChannels; ch++ {
			for i := 0; i < n; i++ {
				d.output[ch][i] = d.output[ch][i]<<bits | d.extraBits[ch][i]
			}
		}
	}

	out := make([]int16, n*elementChannels)
	if elementChannels == 1 {
		for i := 0; i < n; i++ {
			out[i] = int16(d.output[0][i])
		}
		return out, nil
	}

	deinterlace(d.output[0][:n], d.output[1][:n], out, shift, leftWeight)
	return out, nil
}

// riceDecode reads adaptive Golomb-Rice coded prediction errors.
func (d *ALACDecoder) riceDecode(br *bitReader, out []int32, readSize uint, historyMult uint32) error {
	history := uint32(d.cfg.MB)
	limit := uint(d.cfg.KB)
	signModifier := int32(0)

	for i := 0; i < len(out); i++ {
		k := log2(history>>9 + 3)
		if k > limit {
			k = limit
		}
		x := signModifier + decodeScalar(br, k, readSize)

		value := (x + 1) / 2
		if x&1 != 0 {
			value = -value
		}
		out[i] = value
		signModifier = 0

		history += uint32(x)*historyMult - (history*historyMult)>>9
		if x > 0xffff {
			history = 0xffff
		}

		// A small history announces a run of zero samples.
		if history < 128 && i+1 < len(out) {
			signModifier = 1
			k := uint(7 - int(log2(history)) + int((history+16)>>6))
			if history == 0 {
				k = 8
			}
			block := int(decodeScalar(br, k, 16))
			if block > 0 {
				if i+1+block > len(out) {
					return oops.Wrapf(ErrDecode, "alac zero run of %d overflows frame", block)
				}
				for j := i + 1; j <= i+block; j++ {
					out[j] = 0
				}
				i += block
			}
			if block > 0xffff {
				signModifier = 0
			}
			history = 0
		}

		if br.overrun {
			return oops.Wrapf(ErrDecode, "alac entropy data truncated")
		}
	}
	return nil
}

func decodeScalar(br *bitReader, k, readSize uint) int32 {
	x := int32(0)
	for x <= riceThreshold && br.read(1) == 1 {
		x++
	}

	if x > riceThreshold {
		value := br.read(readSize)
		return int32(value & (0xffffffff >> (32 - readSize)))
	}

	if k != 1 {
		extra := int32(br.read(k))
		x = x<<k - x
		if extra > 1 {
			x += extra - 1
		} else {
			br.unread(1)
		}
	}
	return x
}

// predict reverses the adaptive FIR predictor. coefs is updated in place as
// the encoder did, so it must be a per-frame copy.
func predict(errs, out []int32, readSize uint, coefs []int16, quant uint) {
	n := len(out)
	if n == 0 {
		return
	}
	out[0] = errs[0]

	order := len(coefs)
	if order == 0 {
		copy(out[1:], errs[1:])
		return
	}

	if order == maxPredictors-1 {
		for i := 0; i+1 < n; i++ {
			out[i+1] = signExtend(out[i]+errs[i+1], readSize)
		}
		return
	}

	for i := 0; i < order && i+1 < n; i++ {
		out[i+1] = signExtend(out[i]+errs[i+1], readSize)
	}

	round := int32(0)
	if quant > 0 {
		round = 1 << (quant - 1)
	}

	for i := order + 1; i < n; i++ {
		base := i - order - 1
		errVal := errs[i]

		sum := int32(0)
		for j := 0; j < order; j++ {
			sum += (out[base+order-j] - out[base]) * int32(coefs[j])
		}

		value := (round+sum)>>quant + out[base] + errVal
		out[i] = signExtend(value, readSize)

		if errVal > 0 {
			for p := order - 1; p >= 0 && errVal > 0; p-- {
				val := out[base] - out[base+order-p]
				sign := signOf(val)
				coefs[p] -= int16(sign)
				val *= sign
				errVal -= (val >> quant) * int32(order-p)
			}
		} else if errVal < 0 {
			for p := order - 1; p >= 0 && errVal < 0; p-- {
				val := out[base] - out[base+order-p]
				sign := -signOf(val)
				coefs[p] -= int16(sign)
				val *= sign
				errVal -= (val >> quant) * int32(order-p)
			}
		}
	}
}

func deinterlace(a, b []int32, out []int16, shift uint, leftWeight int32) {
	if leftWeight != 0 {
		for i := range a {
			mid, diff := a[i], b[i]
			right := mid - (diff*leftWeight)>>shift
			left := right + diff
			out[2*i] = int16(left)
			out[2*i+1] = int16(right)
		}
		return
	}
	for i := range a {
		out[2*i] = int16(a[i])
		out[2*i+1] = int16(b[i])
	}
}

func signExtend(v int32, bits uint) int32 {
	if bits == 0 || bits >= 32 {
		return v
	}
	s := 32 - bits
	return v << s >> s
}

func signOf(v int32) int32 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

func log2(v uint32) uint {
	n := uint(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// bitReader reads big-endian bit fields. Reads past the end return zero bits
// and set overrun instead of failing, so callers check once per stage.
type bitReader struct {
	data    []byte
	pos     int
	overrun bool
}

func (br *bitReader) read(n uint) uint32 {
	var v uint32
	for i := uint(0); i < n; i++ {
		v <<= 1
		byteIdx := br.pos >> 3
		if byteIdx >= len(br.data) {
			br.overrun = true
			br.pos++
			continue
		}
		v |= uint32(br.data[byteIdx]>>(7-uint(br.pos&7))) & 1
		br.pos++
	}
	return v
}

func (br *bitReader) skip(n uint) {
	br.pos += int(n)
	if br.pos > len(br.data)*8 {
		br.overrun = true
	}
}

func (br *bitReader) unread(n uint) {
	br.pos -= int(n)
	if br.pos < 0 {
		br.pos = 0
	}
}
