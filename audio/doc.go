// Package audio describes negotiated stream formats and decodes RAOP audio
// payloads into 16-bit PCM.
//
// A [Format] is built from the SDP a=rtpmap and a=fmtp attributes with
// [NewFormat]. [NewDecoder] then returns the codec for it:
//
//   - AppleLossless: native ALAC decoder (verbatim and compressed frames)
//   - L16: big-endian linear PCM
//   - opus: pion/opus
//
// Decoders fail with [ErrDecode] on corrupt input and never panic on
// truncated frames. Formats the receiver cannot play fail with
// [ErrUnsupportedFormat].
//
// [ParseDMAP] extracts track metadata from application/x-dmap-tagged bodies.
package audio
