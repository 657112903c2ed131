package dnssd

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/opd-ai/raopcore/audio"
	"github.com/opd-ai/raopcore/control"
	"github.com/opd-ai/raopcore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHardwareAddr = net.HardwareAddr{0x48, 0x5D, 0x60, 0x7C, 0xEE, 0x22}

type fakeServer struct {
	mu        sync.Mutex
	shutdowns int
}

func (s *fakeServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
}

type registration struct {
	instance, service, domain string
	port                      int
	text                      []string
}

func newFakeAdvertiser(caps control.Capabilities, fail error) (*ZeroconfAdvertiser, *[]registration, *[]*fakeServer) {
	a := NewZeroconfAdvertiser(caps, false)
	var regs []registration
	var servers []*fakeServer
	a.register = func(instance, service, domain string, port int, text []string) (server, error) {
		if fail != nil {
			return nil, fail
		}
		regs = append(regs, registration{instance, service, domain, port, text})
		srv := &fakeServer{}
		servers = append(servers, srv)
		return srv, nil
	}
	return a, &regs, &servers
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "485D607CEE22@Living Room", InstanceName("Living Room", testHardwareAddr))
}

func TestTXTRecord(t *testing.T) {
	tests := []struct {
		name     string
		caps     control.Capabilities
		password bool
		want     []string
	}{
		{
			name: "defaults",
			caps: control.DefaultCapabilities(),
			want: []string{"cn=0,1", "et=0,1", "pw=false", "tp=TCP,UDP"},
		},
		{
			name: "encrypted alac over udp",
			caps: control.Capabilities{
				Encryption: []crypto.Scheme{crypto.SchemeAESCBC},
				Codecs:     []audio.Codec{audio.CodecALAC},
			},
			password: true,
			want:     []string{"cn=1", "et=1", "pw=true", "tp=UDP"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txt := TXTRecord(tt.caps, tt.password)
			for _, entry := range tt.want {
				assert.Contains(t, txt, entry)
			}
			assert.Contains(t, txt, "txtvers=1")
			assert.Contains(t, txt, "md=0,1,2")
		})
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	a, regs, servers := newFakeAdvertiser(control.DefaultCapabilities(), nil)

	h, err := a.Register("Kitchen", 5000, testHardwareAddr)
	require.NoError(t, err)
	assert.NotZero(t, h)

	require.Len(t, *regs, 1)
	reg := (*regs)[0]
	assert.Equal(t, "485D607CEE22@Kitchen", reg.instance)
	assert.Equal(t, ServiceType, reg.service)
	assert.Equal(t, Domain, reg.domain)
	assert.Equal(t, 5000, reg.port)
	assert.Contains(t, reg.text, "sr=44100")

	a.Unregister(h)
	a.Unregister(h)
	a.Unregister(Handle(99))
	assert.Equal(t, 1, (*servers)[0].shutdowns)
}

func TestRegisterHandlesAreDistinct(t *testing.T) {
	a, _, servers := newFakeAdvertiser(control.DefaultCapabilities(), nil)
	first, err := a.Register("A", 5000, testHardwareAddr)
	require.NoError(t, err)
	second, err := a.Register("B", 5001, testHardwareAddr)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	a.Unregister(second)
	assert.Equal(t, 0, (*servers)[0].shutdowns)
	assert.Equal(t, 1, (*servers)[1].shutdowns)
}

func TestRegisterErrors(t *testing.T) {
	a, regs, _ := newFakeAdvertiser(control.DefaultCapabilities(), nil)
	_, err := a.Register("A", 5000, net.HardwareAddr{1, 2, 3})
	assert.Error(t, err)
	_, err = a.Register("A", 0, testHardwareAddr)
	assert.Error(t, err)
	assert.Empty(t, *regs)

	failing, _, _ := newFakeAdvertiser(control.DefaultCapabilities(), errors.New("no multicast interface"))
	_, err = failing.Register("A", 5000, testHardwareAddr)
	assert.ErrorIs(t, err, ErrRegister)
}

func TestNopAdvertiser(t *testing.T) {
	var a Advertiser = NopAdvertiser{}
	h, err := a.Register("A", 5000, testHardwareAddr)
	require.NoError(t, err)
	a.Unregister(h)
}
