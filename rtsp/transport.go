package rtsp

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// Transport is a parsed Transport header, e.g.
//
//	RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002
type Transport struct {
	// Profile is "RTP/AVP" or "RTP/AVP/UDP" or "RTP/AVP/TCP".
	Profile     string
	Unicast     bool
	Mode        string
	Interleaved string
	ControlPort int
	TimingPort  int
	ServerPort  int
	// Params keeps every parameter in order, including unknown ones.
	Params []TransportParam
}

// TransportParam is one ";key=value" element.
type TransportParam struct {
	Key   string
	Value string
}

// TCP reports whether the sender asked for interleaved TCP audio.
func (t *Transport) TCP() bool {
	return strings.HasSuffix(strings.ToUpper(t.Profile), "/TCP")
}

// RTP reports whether the profile is RTP/AVP.
func (t *Transport) RTP() bool {
	return strings.HasPrefix(strings.ToUpper(t.Profile), "RTP/AVP")
}

// Record reports whether the sender asked for record mode. A missing mode
// is treated as record, which is what legacy senders mean.
func (t *Transport) Record() bool {
	return t.Mode == "" || strings.EqualFold(t.Mode, "record")
}

// ParseTransport parses a Transport header value. Only the first of several
// comma-separated alternatives is considered.
func ParseTransport(value string) (*Transport, error) {
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	parts := strings.Split(value, ";")
	if parts[0] == "" {
		return nil, oops.Wrapf(ErrMalformedHeader, "empty transport")
	}

	t := &Transport{Profile: strings.TrimSpace(parts[0])}
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, _ := strings.Cut(part, "=")
		key = strings.ToLower(key)
		t.Params = append(t.Params, TransportParam{Key: key, Value: val})

		var err error
		switch key {
		case "unicast":
			t.Unicast = true
		case "mode":
			t.Mode = strings.Trim(val, `"`)
		case "interleaved":
			t.Interleaved = val
		case "control_port":
			t.ControlPort, err = parsePort(val)
		case "timing_port":
			t.TimingPort, err = parsePort(val)
		case "server_port":
			t.ServerPort, err = parsePort(val)
		}
		if err != nil {
			return nil, oops.Wrapf(ErrMalformedHeader, "transport %s: %v", key, err)
		}
	}
	return t, nil
}

func parsePort(s string) (int, error) {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 65535 {
		return 0, oops.Errorf("invalid port %q", s)
	}
	return n, nil
}

// String renders the header value.
func (t *Transport) String() string {
	var b strings.Builder
	b.WriteString(t.Profile)
	for _, p := range t.Params {
		b.WriteByte(';')
		b.WriteString(p.Key)
		if p.Value != "" {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// Set replaces or appends a parameter.
func (t *Transport) Set(key, value string) {
	for i := range t.Params {
		if t.Params[i].Key == key {
			t.Params[i].Value = value
			return
		}
	}
	t.Params = append(t.Params, TransportParam{Key: key, Value: value})
}

// RTPInfo is a parsed RTP-Info header.
type RTPInfo struct {
	Sequence    uint16
	RTPTime     uint32
	HasSequence bool
	HasRTPTime  bool
}

// ParseRTPInfo parses "seq=N;rtptime=M". Either field may be absent.
func ParseRTPInfo(value string) (RTPInfo, error) {
	var info RTPInfo
	for _, part := range strings.Split(value, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "seq":
			n, err := strconv.ParseUint(val, 10, 16)
			if err != nil {
				return RTPInfo{}, oops.Wrapf(ErrMalformedHeader, "rtp-info seq %q", val)
			}
			info.Sequence = uint16(n)
			info.HasSequence = true
		case "rtptime":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return RTPInfo{}, oops.Wrapf(ErrMalformedHeader, "rtp-info rtptime %q", val)
			}
			info.RTPTime = uint32(n)
			info.HasRTPTime = true
		}
	}
	return info, nil
}
