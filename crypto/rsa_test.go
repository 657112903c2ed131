package crypto

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"encoding/base64"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRSAKey(t *testing.T) *RSAKey {
	t.Helper()
	key, err := GenerateRSAKey(1024, nil)
	require.NoError(t, err)
	return key
}

func TestSignChallenge(t *testing.T) {
	key := newTestRSAKey(t)
	hwaddr := []byte{0x48, 0x5D, 0x60, 0x7C, 0xEE, 0x22}
	challenge := make([]byte, 16)
	for i := range challenge {
		challenge[i] = byte(i * 3)
	}

	tests := []struct {
		name    string
		ip      net.IP
		message int
	}{
		{name: "ipv4 padded to 32", ip: net.ParseIP("192.168.1.10"), message: 32},
		{name: "ipv6 unpadded", ip: net.ParseIP("fe80::1"), message: 38},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := base64.StdEncoding.EncodeToString(challenge)
			response, err := key.SignChallenge(encoded, tt.ip, hwaddr)
			require.NoError(t, err)
			assert.NotContains(t, response, "=")

			ip := tt.ip.To4()
			if ip == nil {
				ip = tt.ip
			}
			message := append(append(append([]byte{}, challenge...), ip...), hwaddr...)
			for len(message) < 32 {
				message = append(message, 0)
			}
			require.Len(t, message, tt.message)

			signature, err := base64.RawStdEncoding.DecodeString(response)
			require.NoError(t, err)
			assert.NoError(t, rsa.VerifyPKCS1v15(key.Public(), stdcrypto.Hash(0), message, signature))
		})
	}
}

func TestSignChallengeRejectsMalformed(t *testing.T) {
	key := newTestRSAKey(t)
	hwaddr := make([]byte, 6)

	_, err := key.SignChallenge("!!!", net.ParseIP("10.0.0.1"), hwaddr)
	assert.ErrorIs(t, err, ErrHandshake)

	_, err = key.SignChallenge(base64.StdEncoding.EncodeToString(make([]byte, 8)), net.ParseIP("10.0.0.1"), hwaddr)
	assert.ErrorIs(t, err, ErrHandshake)

	_, err = key.SignChallenge(base64.StdEncoding.EncodeToString(make([]byte, 16)), net.ParseIP("10.0.0.1"), hwaddr[:3])
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestLegacySessionKeys(t *testing.T) {
	key := newTestRSAKey(t)
	aesKey := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")

	wrapped, err := WrapAESKey(key.Public(), aesKey, nil)
	require.NoError(t, err)

	keys, err := key.LegacySessionKeys(wrapped, base64.StdEncoding.EncodeToString(iv))
	require.NoError(t, err)
	assert.Equal(t, SchemeAESCBC, keys.Scheme)
	assert.Equal(t, aesKey, keys.Key)
	assert.Equal(t, iv, keys.IV)

	_, err = key.LegacySessionKeys("bm90IGEga2V5", base64.StdEncoding.EncodeToString(iv))
	assert.ErrorIs(t, err, ErrHandshake)

	_, err = key.LegacySessionKeys(wrapped, base64.StdEncoding.EncodeToString(iv[:4]))
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestLoadRSAKeyRoundTrip(t *testing.T) {
	key := newTestRSAKey(t)

	loaded, err := LoadRSAKey(key.PEM())
	require.NoError(t, err)
	assert.True(t, key.Public().Equal(loaded.Public()))

	_, err = LoadRSAKey([]byte("not pem"))
	assert.Error(t, err)
}
