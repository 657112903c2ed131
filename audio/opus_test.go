package audio

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusDecoderSurvivesRandomPackets(t *testing.T) {
	format, err := NewFormat("100 OPUS/48000/2", "")
	require.NoError(t, err)
	dec := NewOpusDecoder(format)

	rng := rand.New(rand.NewSource(1))
	failures := 0
	for i := 0; i < 50000; i++ {
		payload := make([]byte, 1+rng.Intn(400))
		rng.Read(payload)

		var pcm []int16
		require.NotPanics(t, func() { pcm, err = dec.Decode(payload) }, "packet %d: %x", i, payload)
		if err != nil {
			require.ErrorIs(t, err, ErrDecode, "packet %d", i)
			assert.Nil(t, pcm)
			failures++
			continue
		}
		assert.Len(t, pcm, format.FrameLength*format.Channels)
	}
	assert.NotZero(t, failures)
}

func TestOpusDecoderRejectsEmptyPacket(t *testing.T) {
	format, err := NewFormat("100 OPUS/48000/2", "")
	require.NoError(t, err)

	_, err = NewOpusDecoder(format).Decode(nil)
	assert.ErrorIs(t, err, ErrDecode)
}
