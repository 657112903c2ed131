package session

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-20, -20},
		{0, 0},
		{5, 0},
		{-144, -144},
		{-200, -144},
		{math.NaN(), -144},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampVolume(tt.in), "ClampVolume(%v)", tt.in)
	}
}

func TestParseProgress(t *testing.T) {
	p, err := ParseProgress("1000/45100/442000")
	require.NoError(t, err)
	assert.Equal(t, Progress{Start: 1000, Current: 45100, End: 442000}, p)
	assert.Equal(t, time.Second, p.Elapsed(44100))
	assert.Equal(t, 10*time.Second, p.Duration(44100))
	assert.Equal(t, "1000/45100/442000", p.String())
	assert.Equal(t, time.Duration(0), p.Elapsed(0))

	for _, bad := range []string{"", "1/2", "1/2/x", "1/2/3/4", "-1/2/3"} {
		_, err := ParseProgress(bad)
		assert.Error(t, err, bad)
	}
}

func TestMetadataMergeAndClone(t *testing.T) {
	var m Metadata
	m.merge(map[string]string{"title": "Song", "artist": "Band", "composer": "Someone"})
	m.merge(map[string]string{"album": "Record"})
	assert.Equal(t, "Song", m.Title)
	assert.Equal(t, "Band", m.Artist)
	assert.Equal(t, "Record", m.Album)
	assert.Equal(t, "Someone", m.Fields["composer"])

	m.Artwork = []byte{1, 2, 3}
	c := m.clone()
	c.Fields["title"] = "Other"
	c.Artwork[0] = 9
	assert.Equal(t, "Song", m.Fields["title"])
	assert.Equal(t, byte(1), m.Artwork[0])
}
