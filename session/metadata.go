package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Volume limits in dB. MuteVolume silences output.
const (
	MuteVolume = -144.0
	MaxVolume  = 0.0
)

// ClampVolume limits a requested volume to [MuteVolume, MaxVolume].
func ClampVolume(v float64) float64 {
	if v != v || v < MuteVolume {
		return MuteVolume
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}

// Metadata is the now-playing information pushed by the sender.
type Metadata struct {
	Title  string
	Artist string
	Album  string
	Genre  string
	// Fields holds every parsed DMAP field by name.
	Fields map[string]string

	Artwork     []byte
	ArtworkType string
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Fields != nil {
		out.Fields = make(map[string]string, len(m.Fields))
		for k, v := range m.Fields {
			out.Fields[k] = v
		}
	}
	if m.Artwork != nil {
		out.Artwork = append([]byte(nil), m.Artwork...)
	}
	return out
}

// merge applies parsed DMAP fields.
func (m *Metadata) merge(fields map[string]string) {
	if m.Fields == nil {
		m.Fields = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		m.Fields[k] = v
	}
	m.Title = m.Fields["title"]
	m.Artist = m.Fields["artist"]
	m.Album = m.Fields["album"]
	m.Genre = m.Fields["genre"]
}

// Progress is the RTP timestamp triple of a "progress: start/current/end"
// parameter.
type Progress struct {
	Start   uint32
	Current uint32
	End     uint32
}

// ParseProgress parses "start/current/end".
func ParseProgress(value string) (Progress, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 3 {
		return Progress{}, oops.Errorf("progress %q must have three fields", value)
	}
	var vals [3]uint32
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return Progress{}, oops.Wrapf(err, "progress field %q", part)
		}
		vals[i] = uint32(n)
	}
	return Progress{Start: vals[0], Current: vals[1], End: vals[2]}, nil
}

// Elapsed returns the played duration at the given sample rate.
func (p Progress) Elapsed(sampleRate int) time.Duration {
	return rtpSpan(p.Current-p.Start, sampleRate)
}

// Duration returns the track length at the given sample rate.
func (p Progress) Duration(sampleRate int) time.Duration {
	return rtpSpan(p.End-p.Start, sampleRate)
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d/%d", p.Start, p.Current, p.End)
}

func rtpSpan(delta uint32, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(delta) * int64(time.Second) / int64(sampleRate))
}

// RemoteControl identifies the sender's DACP service, which hosts use to
// send playback commands back to it.
type RemoteControl struct {
	DACPID       string
	ActiveRemote string
}
