package control

import (
	"strings"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/samber/oops"
)

// Capabilities are the formats and protections the receiver accepts.
type Capabilities struct {
	// Encryption lists accepted audio protection schemes. Without
	// crypto.SchemeNone, unencrypted sessions are refused at SETUP.
	Encryption []crypto.Scheme
	Codecs     []audio.Codec
	// TCP enables interleaved TCP audio.
	TCP bool
}

// DefaultCapabilities accepts every scheme and codec the receiver implements.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Encryption: []crypto.Scheme{crypto.SchemeNone, crypto.SchemeAESCBC, crypto.SchemeChaCha20Poly1305},
		Codecs:     []audio.Codec{audio.CodecALAC, audio.CodecPCM, audio.CodecOpus},
		TCP:        true,
	}
}

// SupportsScheme reports whether s is accepted.
func (c Capabilities) SupportsScheme(s crypto.Scheme) bool {
	for _, have := range c.Encryption {
		if have == s {
			return true
		}
	}
	return false
}

// SupportsCodec reports whether codec is accepted.
func (c Capabilities) SupportsCodec(codec audio.Codec) bool {
	for _, have := range c.Codecs {
		if have == codec {
			return true
		}
	}
	return false
}

// RequiresEncryption reports whether plain audio is refused.
func (c Capabilities) RequiresEncryption() bool {
	return !c.SupportsScheme(crypto.SchemeNone)
}

// ParseCapabilities builds capabilities from configuration names:
// encryption "none", "aes-cbc", "chacha20-poly1305"; codecs "alac", "pcm",
// "opus".
func ParseCapabilities(encryption, codecs []string, tcp bool) (Capabilities, error) {
	caps := Capabilities{TCP: tcp}
	for _, name := range encryption {
		scheme, err := parseScheme(name)
		if err != nil {
			return Capabilities{}, err
		}
		caps.Encryption = append(caps.Encryption, scheme)
	}
	for _, name := range codecs {
		codec, err := parseCodec(name)
		if err != nil {
			return Capabilities{}, err
		}
		caps.Codecs = append(caps.Codecs, codec)
	}
	if len(caps.Encryption) == 0 {
		return Capabilities{}, oops.Errorf("at least one encryption scheme is required")
	}
	if len(caps.Codecs) == 0 {
		return Capabilities{}, oops.Errorf("at least one codec is required")
	}
	return caps, nil
}

func parseScheme(name string) (crypto.Scheme, error) {
	for _, s := range []crypto.Scheme{crypto.SchemeNone, crypto.SchemeAESCBC, crypto.SchemeChaCha20Poly1305} {
		if strings.EqualFold(strings.TrimSpace(name), s.String()) {
			return s, nil
		}
	}
	return 0, oops.Wrapf(crypto.ErrUnknownScheme, "encryption %q", name)
}

func parseCodec(name string) (audio.Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "alac", "applelossless":
		return audio.CodecALAC, nil
	case "pcm", "l16":
		return audio.CodecPCM, nil
	case "opus":
		return audio.CodecOpus, nil
	default:
		return "", oops.Wrapf(audio.ErrUnsupportedFormat, "codec %q", name)
	}
}
