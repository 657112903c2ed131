package rtsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestAuth(t *testing.T) {
	auth := DigestAuth{Password: "secret"}
	nonce, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, nonce, 32)

	assert.Equal(t, `Digest realm="airplay", nonce="`+nonce+`"`, auth.Challenge(nonce))

	header := auth.Response("iTunes", "ANNOUNCE", "rtsp://10.0.0.2/1", nonce)
	assert.True(t, auth.Valid(header, "ANNOUNCE", nonce))

	tests := []struct {
		name   string
		header string
		method string
		nonce  string
	}{
		{"wrong method", header, "SETUP", nonce},
		{"stale nonce", header, "ANNOUNCE", "0000"},
		{"wrong password", DigestAuth{Password: "guess"}.Response("iTunes", "ANNOUNCE", "rtsp://10.0.0.2/1", nonce), "ANNOUNCE", nonce},
		{"wrong realm", DigestAuth{Realm: "other", Password: "secret"}.Response("iTunes", "ANNOUNCE", "rtsp://10.0.0.2/1", nonce), "ANNOUNCE", nonce},
		{"basic scheme", "Basic aVR1bmVzOnNlY3JldA==", "ANNOUNCE", nonce},
		{"empty", "", "ANNOUNCE", nonce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, auth.Valid(tt.header, tt.method, tt.nonce))
		})
	}
}

func TestDigestKnownVector(t *testing.T) {
	// HA1 = md5("iTunes:airplay:1234"), HA2 = md5("OPTIONS:*")
	auth := DigestAuth{Password: "1234"}
	header := auth.Response("iTunes", "OPTIONS", "*", "abc")
	params := parseAuthParams(header[len("Digest "):])
	assert.Equal(t, md5Hex(md5Hex("iTunes:airplay:1234")+":abc:"+md5Hex("OPTIONS:*")), params["response"])
	assert.Equal(t, "*", params["uri"])
}

func TestParseAuthParams(t *testing.T) {
	params := parseAuthParams(`username="a, b", realm=airplay, nonce="n",uri="*"`)
	assert.Equal(t, map[string]string{
		"username": "a, b",
		"realm":    "airplay",
		"nonce":    "n",
		"uri":      "*",
	}, params)
}
