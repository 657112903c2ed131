package control

import (
	"testing"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		name       string
		encryption []string
		codecs     []string
		want       Capabilities
		wantErr    error
	}{
		{
			name:       "all names",
			encryption: []string{"none", "AES-CBC", " chacha20-poly1305 "},
			codecs:     []string{"alac", "PCM", "opus"},
			want: Capabilities{
				Encryption: []crypto.Scheme{crypto.SchemeNone, crypto.SchemeAESCBC, crypto.SchemeChaCha20Poly1305},
				Codecs:     []audio.Codec{audio.CodecALAC, audio.CodecPCM, audio.CodecOpus},
			},
		},
		{
			name:       "aliases",
			encryption: []string{"chacha20-poly1305"},
			codecs:     []string{"AppleLossless", "l16"},
			want: Capabilities{
				Encryption: []crypto.Scheme{crypto.SchemeChaCha20Poly1305},
				Codecs:     []audio.Codec{audio.CodecALAC, audio.CodecPCM},
			},
		},
		{name: "unknown scheme", encryption: []string{"rot13"}, codecs: []string{"alac"}, wantErr: crypto.ErrUnknownScheme},
		{name: "unknown codec", encryption: []string{"none"}, codecs: []string{"mp3"}, wantErr: audio.ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := ParseCapabilities(tt.encryption, tt.codecs, false)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, caps)
		})
	}
}

func TestParseCapabilitiesRequiresEntries(t *testing.T) {
	_, err := ParseCapabilities(nil, []string{"alac"}, true)
	assert.Error(t, err)
	_, err = ParseCapabilities([]string{"none"}, nil, true)
	assert.Error(t, err)
}

func TestCapabilitiesQueries(t *testing.T) {
	caps := DefaultCapabilities()
	assert.True(t, caps.SupportsScheme(crypto.SchemeAESCBC))
	assert.True(t, caps.SupportsCodec(audio.CodecOpus))
	assert.False(t, caps.RequiresEncryption())
	assert.True(t, caps.TCP)

	strict := Capabilities{
		Encryption: []crypto.Scheme{crypto.SchemeChaCha20Poly1305},
		Codecs:     []audio.Codec{audio.CodecALAC},
	}
	assert.True(t, strict.RequiresEncryption())
	assert.False(t, strict.SupportsScheme(crypto.SchemeNone))
	assert.False(t, strict.SupportsCodec(audio.CodecPCM))
}
