package rtp

import (
	"encoding/binary"
	"time"

	"github.com/pion/rtp"
	"github.com/samber/oops"
)

// RAOP payload types, as carried in the low seven bits of the second byte.
const (
	PayloadTimingRequest  = 0x52
	PayloadTimingResponse = 0x53
	PayloadSync           = 0x54
	PayloadResendRequest  = 0x55
	PayloadResend         = 0x56
	PayloadAudio          = 0x60
)

const (
	// HeaderSize is the fixed RTP header length of RAOP audio packets.
	HeaderSize = 12
	// resendPrefixSize is the header retransmitted audio is wrapped in.
	resendPrefixSize = 4
	syncPacketSize   = 20
	timingPacketSize = 32
	// timingSequence is the fixed sequence number of timing packets.
	timingSequence = 7
)

// AudioPacket is one received audio packet. Header and Payload are private
// copies and stay valid after the socket buffer is reused.
type AudioPacket struct {
	Sequence      uint16
	Timestamp     uint32
	SSRC          uint32
	PayloadType   uint8
	Marker        bool
	Header        []byte
	Payload       []byte
	Retransmitted bool
	ReceivedAt    time.Time
}

// ParseAudioPacket parses an RTP audio packet with pion/rtp.
func ParseAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < HeaderSize {
		return nil, oops.Wrapf(ErrMalformedPacket, "packet of %d bytes is shorter than the rtp header", len(data))
	}

	var packet rtp.Packet
	if err := packet.Unmarshal(data); err != nil {
		return nil, oops.Wrapf(ErrMalformedPacket, "rtp: %v", err)
	}
	if packet.Version != 2 {
		return nil, oops.Wrapf(ErrMalformedPacket, "rtp version %d", packet.Version)
	}

	headerSize := packet.Header.MarshalSize()
	if headerSize > len(data) {
		return nil, oops.Wrapf(ErrMalformedPacket, "rtp header of %d bytes exceeds packet", headerSize)
	}

	header := make([]byte, headerSize)
	copy(header, data[:headerSize])
	payload := make([]byte, len(packet.Payload))
	copy(payload, packet.Payload)

	return &AudioPacket{
		Sequence:    packet.SequenceNumber,
		Timestamp:   packet.Timestamp,
		SSRC:        packet.SSRC,
		PayloadType: packet.PayloadType,
		Marker:      packet.Marker,
		Header:      header,
		Payload:     payload,
	}, nil
}

// ParseResend unwraps a retransmitted audio packet received on the control port.
func ParseResend(data []byte) (*AudioPacket, error) {
	if len(data) < resendPrefixSize+HeaderSize {
		return nil, oops.Wrapf(ErrMalformedPacket, "resend packet of %d bytes is too short", len(data))
	}
	if PayloadTypeOf(data) != PayloadResend {
		return nil, oops.Wrapf(ErrMalformedPacket, "payload type 0x%02x is not a resend", PayloadTypeOf(data))
	}

	packet, err := ParseAudioPacket(data[resendPrefixSize:])
	if err != nil {
		return nil, err
	}
	packet.Retransmitted = true
	return packet, nil
}

// MarshalAudioPacket builds an audio packet as a sender would.
func MarshalAudioPacket(seq uint16, timestamp, ssrc uint32, payloadType uint8, payload []byte) ([]byte, error) {
	packet := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := packet.Marshal()
	if err != nil {
		return nil, oops.Wrapf(err, "failed to marshal rtp packet")
	}
	return data, nil
}

// HeaderBytes returns the 12-byte header MarshalAudioPacket would emit, for
// callers that must encrypt the payload before the packet exists.
func HeaderBytes(seq uint16, timestamp, ssrc uint32, payloadType uint8) []byte {
	header := rtp.Header{Version: 2, PayloadType: payloadType, SequenceNumber: seq, Timestamp: timestamp, SSRC: ssrc}
	data, _ := header.Marshal()
	return data
}

// PayloadTypeOf returns the RAOP payload type of a raw packet, or 0 when the
// packet is too short to carry one.
func PayloadTypeOf(data []byte) uint8 {
	if len(data) < 2 {
		return 0
	}
	return data[1] & 0x7f
}

// NTPTime is a 64-bit NTP timestamp: seconds since 1900 in the high word and
// the binary fraction in the low word.
type NTPTime uint64

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// NTPFromTime converts a wall-clock time.
func NTPFromTime(t time.Time) NTPTime {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return NTPTime(secs<<32 | frac)
}

// Time converts back to a wall-clock time.
func (n NTPTime) Time() time.Time {
	secs := int64(n>>32) - ntpEpochOffset
	nanos := (int64(n&0xffffffff) * int64(time.Second)) >> 32
	return time.Unix(secs, nanos)
}

// SyncPacket maps an RTP timestamp to the sender's NTP clock.
type SyncPacket struct {
	// First is set on the first sync after RECORD or FLUSH.
	First bool
	// RTPTime is the timestamp that plays at NTPTime.
	RTPTime uint32
	NTPTime NTPTime
	// CurrentRTPTime is the timestamp the sender is transmitting now.
	CurrentRTPTime uint32
}

// ParseSync parses a sync packet from the control port.
func ParseSync(data []byte) (*SyncPacket, error) {
	if len(data) < syncPacketSize || PayloadTypeOf(data) != PayloadSync {
		return nil, oops.Wrapf(ErrMalformedPacket, "invalid sync packet of %d bytes", len(data))
	}
	return &SyncPacket{
		First:          data[0]&0x10 != 0,
		RTPTime:        binary.BigEndian.Uint32(data[4:8]),
		NTPTime:        NTPTime(binary.BigEndian.Uint64(data[8:16])),
		CurrentRTPTime: binary.BigEndian.Uint32(data[16:20]),
	}, nil
}

// MarshalSync builds a sync packet.
func MarshalSync(s *SyncPacket) []byte {
	data := make([]byte, syncPacketSize)
	data[0] = 0x80
	if s.First {
		data[0] |= 0x10
	}
	data[1] = 0x80 | PayloadSync
	binary.BigEndian.PutUint16(data[2:4], timingSequence)
	binary.BigEndian.PutUint32(data[4:8], s.RTPTime)
	binary.BigEndian.PutUint64(data[8:16], uint64(s.NTPTime))
	binary.BigEndian.PutUint32(data[16:20], s.CurrentRTPTime)
	return data
}

// TimingPacket carries the three NTP timestamps of a timing exchange.
type TimingPacket struct {
	Request  bool
	Origin   NTPTime
	Receive  NTPTime
	Transmit NTPTime
}

// ParseTiming parses a timing request or response.
func ParseTiming(data []byte) (*TimingPacket, error) {
	pt := PayloadTypeOf(data)
	if len(data) < timingPacketSize || (pt != PayloadTimingRequest && pt != PayloadTimingResponse) {
		return nil, oops.Wrapf(ErrMalformedPacket, "invalid timing packet of %d bytes", len(data))
	}
	return &TimingPacket{
		Request:  pt == PayloadTimingRequest,
		Origin:   NTPTime(binary.BigEndian.Uint64(data[8:16])),
		Receive:  NTPTime(binary.BigEndian.Uint64(data[16:24])),
		Transmit: NTPTime(binary.BigEndian.Uint64(data[24:32])),
	}, nil
}

// MarshalTiming builds a timing packet.
func MarshalTiming(p *TimingPacket) []byte {
	data := make([]byte, timingPacketSize)
	data[0] = 0x80
	data[1] = 0x80 | PayloadTimingResponse
	if p.Request {
		data[1] = 0x80 | PayloadTimingRequest
	}
	binary.BigEndian.PutUint16(data[2:4], timingSequence)
	binary.BigEndian.PutUint64(data[8:16], uint64(p.Origin))
	binary.BigEndian.PutUint64(data[16:24], uint64(p.Receive))
	binary.BigEndian.PutUint64(data[24:32], uint64(p.Transmit))
	return data
}

// MarshalResendRequest asks the sender to retransmit count packets from first.
func MarshalResendRequest(requestSeq, first, count uint16) []byte {
	data := make([]byte, 8)
	data[0] = 0x80
	data[1] = 0x80 | PayloadResendRequest
	binary.BigEndian.PutUint16(data[2:4], requestSeq)
	binary.BigEndian.PutUint16(data[4:6], first)
	binary.BigEndian.PutUint16(data[6:8], count)
	return data
}
