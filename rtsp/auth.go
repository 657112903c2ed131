package rtsp

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestRealm is the realm senders expect in the challenge.
const DigestRealm = "airplay"

// DigestAuth checks RFC 2617 digest credentials (MD5, no qop) against a
// single shared password. The user name is not checked.
type DigestAuth struct {
	Realm    string
	Password string
}

// NewNonce returns a fresh hex nonce for one connection.
func NewNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Challenge returns the WWW-Authenticate value for nonce.
func (a DigestAuth) Challenge(nonce string) string {
	return fmt.Sprintf(`Digest realm="%s", nonce="%s"`, a.realm(), nonce)
}

func (a DigestAuth) realm() string {
	if a.Realm == "" {
		return DigestRealm
	}
	return a.Realm
}

// Valid reports whether the Authorization header answers the challenge
// for nonce.
func (a DigestAuth) Valid(authorization, method, nonce string) bool {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return false
	}
	params := parseAuthParams(rest)
	if params["nonce"] != nonce || params["realm"] != a.realm() {
		return false
	}

	ha1 := md5Hex(params["username"] + ":" + a.realm() + ":" + a.Password)
	ha2 := md5Hex(method + ":" + params["uri"])
	want := md5Hex(ha1 + ":" + nonce + ":" + ha2)
	got := strings.ToLower(params["response"])
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Response computes the digest a sender would send, for tests and tooling.
func (a DigestAuth) Response(username, method, uri, nonce string) string {
	ha1 := md5Hex(username + ":" + a.realm() + ":" + a.Password)
	ha2 := md5Hex(method + ":" + uri)
	resp := md5Hex(ha1 + ":" + nonce + ":" + ha2)
	return fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, a.realm(), nonce, uri, resp)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseAuthParams splits `k="v", k2=v2` lists, honouring quotes.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,")
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))

		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val, s = rest[1:], ""
			} else {
				val, s = rest[1:end+1], rest[end+2:]
			}
		} else {
			val, s, _ = strings.Cut(rest, ",")
			val = strings.TrimSpace(val)
		}
		params[key] = val
	}
	return params
}
