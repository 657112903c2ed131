package control

import (
	"strconv"
	"strings"

	"github.com/opd-ai/raopcore/audio"
	"github.com/pion/sdp/v3"
	"github.com/samber/oops"
)

// Announcement is the audio description of an ANNOUNCE body.
type Announcement struct {
	Format audio.Format
	// RSAAESKey and AESIV are the legacy key attributes, empty when absent.
	RSAAESKey string
	AESIV     string
	// MinLatency is the sender's a=min-latency in samples, zero when absent.
	MinLatency int
	// Connection is the c= address, informational only.
	Connection string
}

// ParseAnnouncement parses an application/sdp ANNOUNCE body.
func ParseAnnouncement(body []byte) (*Announcement, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, oops.Wrapf(ErrBadRequest, "sdp: %v", err)
	}

	var media *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			media = md
			break
		}
	}
	if media == nil {
		return nil, oops.Wrapf(ErrBadRequest, "sdp has no audio media")
	}

	attr := func(key string) string {
		if v, ok := media.Attribute(key); ok {
			return strings.TrimSpace(v)
		}
		if v, ok := sd.Attribute(key); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}

	rtpmap := attr("rtpmap")
	if rtpmap == "" {
		return nil, oops.Wrapf(audio.ErrUnsupportedFormat, "sdp has no rtpmap")
	}
	format, err := audio.NewFormat(rtpmap, attr("fmtp"))
	if err != nil {
		return nil, err
	}

	a := &Announcement{
		Format:    format,
		RSAAESKey: attr("rsaaeskey"),
		AESIV:     attr("aesiv"),
	}
	if v := attr("min-latency"); v != "" {
		if a.MinLatency, err = strconv.Atoi(v); err != nil {
			return nil, oops.Wrapf(ErrBadRequest, "min-latency %q", v)
		}
	}
	if c := media.ConnectionInformation; c != nil && c.Address != nil {
		a.Connection = c.Address.Address
	} else if c := sd.ConnectionInformation; c != nil && c.Address != nil {
		a.Connection = c.Address.Address
	}
	return a, nil
}
