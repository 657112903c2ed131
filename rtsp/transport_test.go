package rtsp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransport(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  Transport
		tcp   bool
	}{
		{
			name:  "udp with sender ports",
			value: "RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002",
			want: Transport{
				Profile:     "RTP/AVP/UDP",
				Unicast:     true,
				Mode:        "record",
				Interleaved: "0-1",
				ControlPort: 6001,
				TimingPort:  6002,
			},
		},
		{
			name:  "tcp interleaved",
			value: "RTP/AVP/TCP;unicast;interleaved=0-1;mode=record",
			want:  Transport{Profile: "RTP/AVP/TCP", Unicast: true, Mode: "record", Interleaved: "0-1"},
			tcp:   true,
		},
		{
			name:  "first alternative only",
			value: `RTP/AVP;unicast;mode="record", RTP/AVP/TCP;unicast`,
			want:  Transport{Profile: "RTP/AVP", Unicast: true, Mode: "record"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTransport(tt.value)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, *got, cmpopts.IgnoreFields(Transport{}, "Params")); diff != "" {
				t.Errorf("transport mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.tcp, got.TCP())
			assert.True(t, got.RTP())
			assert.True(t, got.Record())
		})
	}
}

func TestParseTransportErrors(t *testing.T) {
	for _, value := range []string{"", ";unicast", "RTP/AVP/UDP;control_port=x", "RTP/AVP/UDP;timing_port=70000"} {
		_, err := ParseTransport(value)
		assert.ErrorIs(t, err, ErrMalformedHeader, value)
	}
}

func TestTransportStringRoundTrip(t *testing.T) {
	tr, err := ParseTransport("RTP/AVP/UDP;unicast;mode=record;control_port=6001;timing_port=6002")
	require.NoError(t, err)

	tr.Set("control_port", "50001")
	tr.Set("server_port", "50000")
	assert.Equal(t, "RTP/AVP/UDP;unicast;mode=record;control_port=50001;timing_port=6002;server_port=50000", tr.String())

	play := Transport{Profile: "RTP/AVP/UDP", Mode: "play"}
	assert.False(t, play.Record())
	assert.False(t, (&Transport{Profile: "RAW/RAW/UDP"}).RTP())
}

func TestParseRTPInfo(t *testing.T) {
	info, err := ParseRTPInfo("seq=28751;rtptime=2846356410")
	require.NoError(t, err)
	assert.Equal(t, RTPInfo{Sequence: 28751, RTPTime: 2846356410, HasSequence: true, HasRTPTime: true}, info)

	info, err = ParseRTPInfo("rtptime=5")
	require.NoError(t, err)
	assert.False(t, info.HasSequence)
	assert.True(t, info.HasRTPTime)

	info, err = ParseRTPInfo("")
	require.NoError(t, err)
	assert.Equal(t, RTPInfo{}, info)

	_, err = ParseRTPInfo("seq=70000")
	assert.ErrorIs(t, err, ErrMalformedHeader)
	_, err = ParseRTPInfo("seq=1;rtptime=-4")
	assert.ErrorIs(t, err, ErrMalformedHeader)
}
