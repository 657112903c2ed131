package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Codec names as they appear in SDP a=rtpmap attributes.
type Codec string

const (
	CodecALAC Codec = "AppleLossless"
	CodecPCM  Codec = "L16"
	CodecOpus Codec = "opus"
)

// Defaults used when the SDP leaves parameters implicit.
const (
	DefaultSampleRate  = 44100
	DefaultChannels    = 2
	DefaultBitDepth    = 16
	DefaultFrameLength = 352
	opusSampleRate     = 48000
	opusFrameLength    = 960
)

// ALACConfig holds the twelve a=fmtp parameters of an Apple Lossless stream.
type ALACConfig struct {
	FrameLength       uint32
	CompatibleVersion uint8
	BitDepth          uint8
	PB                uint8
	MB                uint8
	KB                uint8
	Channels          uint8
	MaxRun            uint16
	MaxFrameBytes     uint32
	AvgBitRate        uint32
	SampleRate        uint32
}

// Format is the negotiated audio format of a session.
type Format struct {
	Codec       Codec
	PayloadType uint8
	SampleRate  int
	BitDepth    int
	Channels    int
	// FrameLength is the number of samples per channel in one packet.
	FrameLength int
	ALAC        *ALACConfig
}

// String renders the format for logs, e.g. "AppleLossless 44100/16/2".
func (f Format) String() string {
	return fmt.Sprintf("%s %d/%d/%d", f.Codec, f.SampleRate, f.BitDepth, f.Channels)
}

// FrameDuration returns the playback duration of one full packet.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameLength) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks the format against what the decoders support.
func (f Format) Validate() error {
	switch f.Codec {
	case CodecALAC, CodecPCM, CodecOpus:
	default:
		return oops.Wrapf(ErrUnsupportedFormat, "codec %q", f.Codec)
	}
	if f.BitDepth != 16 {
		return oops.Wrapf(ErrUnsupportedFormat, "bit depth %d", f.BitDepth)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return oops.Wrapf(ErrUnsupportedFormat, "channel count %d", f.Channels)
	}
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return oops.Wrapf(ErrUnsupportedFormat, "sample rate %d", f.SampleRate)
	}
	if f.FrameLength <= 0 || f.FrameLength > 16384 {
		return oops.Wrapf(ErrUnsupportedFormat, "frame length %d", f.FrameLength)
	}
	if f.Codec == CodecOpus && f.SampleRate != opusSampleRate {
		return oops.Wrapf(ErrUnsupportedFormat, "opus sample rate %d", f.SampleRate)
	}
	return nil
}

// ParseRTPMap parses an a=rtpmap value such as "96 AppleLossless" or
// "96 L16/44100/2". Missing rate and channel fields are left zero.
func ParseRTPMap(value string) (payloadType uint8, codec Codec, rate, channels int, err error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return 0, "", 0, 0, oops.Wrapf(ErrUnsupportedFormat, "rtpmap %q", value)
	}

	pt, err := strconv.ParseUint(fields[0], 10, 7)
	if err != nil {
		return 0, "", 0, 0, oops.Wrapf(ErrUnsupportedFormat, "rtpmap payload type %q", fields[0])
	}

	parts := strings.Split(fields[1], "/")
	codec = Codec(parts[0])
	if strings.EqualFold(parts[0], string(CodecOpus)) {
		codec = CodecOpus
	}
	if len(parts) > 1 {
		if rate, err = strconv.Atoi(parts[1]); err != nil {
			return 0, "", 0, 0, oops.Wrapf(ErrUnsupportedFormat, "rtpmap rate %q", parts[1])
		}
	}
	if len(parts) > 2 {
		if channels, err = strconv.Atoi(parts[2]); err != nil {
			return 0, "", 0, 0, oops.Wrapf(ErrUnsupportedFormat, "rtpmap channels %q", parts[2])
		}
	}
	return uint8(pt), codec, rate, channels, nil
}

// ParseALACFmtp parses "96 352 0 16 40 10 14 2 255 0 0 44100".
func ParseALACFmtp(value string) (*ALACConfig, error) {
	fields := strings.Fields(value)
	if len(fields) != 12 {
		return nil, oops.Wrapf(ErrUnsupportedFormat, "alac fmtp needs 12 fields, got %d", len(fields))
	}

	nums := make([]uint64, 11)
	for i, field := range fields[1:] {
		n, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, oops.Wrapf(ErrUnsupportedFormat, "alac fmtp field %d %q", i+1, field)
		}
		nums[i] = n
	}

	cfg := &ALACConfig{
		FrameLength:       uint32(nums[0]),
		CompatibleVersion: uint8(nums[1]),
		BitDepth:          uint8(nums[2]),
		PB:                uint8(nums[3]),
		MB:                uint8(nums[4]),
		KB:                uint8(nums[5]),
		Channels:          uint8(nums[6]),
		MaxRun:            uint16(nums[7]),
		MaxFrameBytes:     uint32(nums[8]),
		AvgBitRate:        uint32(nums[9]),
		SampleRate:        uint32(nums[10]),
	}
	if cfg.KB == 0 || cfg.KB > 31 {
		return nil, oops.Wrapf(ErrUnsupportedFormat, "alac rice limit %d", cfg.KB)
	}
	return cfg, nil
}

// DefaultALACConfig returns the parameters classic senders announce.
func DefaultALACConfig() *ALACConfig {
	return &ALACConfig{
		FrameLength: DefaultFrameLength,
		BitDepth:    DefaultBitDepth,
		PB:          40,
		MB:          10,
		KB:          14,
		Channels:    DefaultChannels,
		MaxRun:      255,
		SampleRate:  DefaultSampleRate,
	}
}

// NewFormat builds and validates a Format from SDP attribute values.
// fmtp may be empty for codecs without parameters.
func NewFormat(rtpmap, fmtp string) (Format, error) {
	pt, codec, rate, channels, err := ParseRTPMap(rtpmap)
	if err != nil {
		return Format{}, err
	}

	f := Format{Codec: codec, PayloadType: pt, SampleRate: rate, Channels: channels, BitDepth: DefaultBitDepth}

	switch codec {
	case CodecALAC:
		cfg := DefaultALACConfig()
		if fmtp != "" {
			if cfg, err = ParseALACFmtp(fmtp); err != nil {
				return Format{}, err
			}
		}
		f.ALAC = cfg
		f.SampleRate = int(cfg.SampleRate)
		f.BitDepth = int(cfg.BitDepth)
		f.Channels = int(cfg.Channels)
		f.FrameLength = int(cfg.FrameLength)
	case CodecPCM:
		f.FrameLength = DefaultFrameLength
	case CodecOpus:
		f.FrameLength = opusFrameLength
	default:
		return Format{}, oops.Wrapf(ErrUnsupportedFormat, "codec %q", codec)
	}

	if f.SampleRate == 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels == 0 {
		f.Channels = DefaultChannels
	}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}
