package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"net"
	"os"
	"strings"

	"github.com/samber/oops"
)

const (
	// DefaultRSABits is the modulus size for generated receiver keys.
	DefaultRSABits = 2048
	// challengeSize is the decoded length of an Apple-Challenge header.
	challengeSize = 16
	// minChallengeMessage is the signed message length before padding stops.
	minChallengeMessage = 32
)

// RSAKey is the receiver's RSA identity used by classic RAOP senders for the
// Apple-Challenge proof and to wrap the AES session key in the SDP.
type RSAKey struct {
	key *rsa.PrivateKey
}

// LoadRSAKey parses a PEM encoded PKCS#1 or PKCS#8 RSA private key.
func LoadRSAKey(pemData []byte) (*RSAKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, oops.Errorf("no PEM block found in RSA key data")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSAKey{key: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to parse RSA private key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, oops.Errorf("PKCS#8 key is %T, not RSA", parsed)
	}
	return &RSAKey{key: key}, nil
}

// LoadRSAKeyFile reads and parses a PEM key from disk.
func LoadRSAKeyFile(path string) (*RSAKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to read RSA key file %s", path)
	}
	return LoadRSAKey(data)
}

// GenerateRSAKey creates an ephemeral receiver key. Senders that pin the
// well-known AirPort key will not accept its Apple-Response.
func GenerateRSAKey(bits int, random io.Reader) (*RSAKey, error) {
	if random == nil {
		random = rand.Reader
	}
	key, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to generate RSA key")
	}
	return &RSAKey{key: key}, nil
}

// Public returns the public half of the key.
func (k *RSAKey) Public() *rsa.PublicKey {
	return &k.key.PublicKey
}

// PEM encodes the private key as PKCS#1 PEM.
func (k *RSAKey) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k.key)})
}

// SignChallenge answers an Apple-Challenge header. The signed message is the
// decoded challenge, the local address of the control connection and the
// hardware address, zero padded to 32 bytes. The result is unpadded base64.
func (k *RSAKey) SignChallenge(challenge string, localIP net.IP, hwaddr []byte) (string, error) {
	decoded, err := DecodeBase64(challenge)
	if err != nil {
		return "", oops.Wrapf(ErrHandshake, "apple-challenge is not base64: %v", err)
	}
	if len(decoded) != challengeSize {
		return "", oops.Wrapf(ErrHandshake, "apple-challenge must decode to %d bytes, got %d", challengeSize, len(decoded))
	}
	if len(hwaddr) != 6 {
		return "", oops.Wrapf(ErrHandshake, "hardware address must be 6 bytes, got %d", len(hwaddr))
	}

	ip := localIP.To4()
	if ip == nil {
		ip = localIP.To16()
	}
	if ip == nil {
		return "", oops.Wrapf(ErrHandshake, "local address %v is not an IP address", localIP)
	}

	message := make([]byte, 0, 38)
	message = append(message, decoded...)
	message = append(message, ip...)
	message = append(message, hwaddr...)
	for len(message) < minChallengeMessage {
		message = append(message, 0)
	}

	signature, err := rsa.SignPKCS1v15(nil, k.key, stdcrypto.Hash(0), message)
	if err != nil {
		return "", oops.Wrapf(err, "failed to sign apple-challenge")
	}
	return base64.RawStdEncoding.EncodeToString(signature), nil
}

// LegacySessionKeys unwraps the AES key and IV announced in the SDP
// a=rsaaeskey and a=aesiv attributes.
func (k *RSAKey) LegacySessionKeys(rsaAESKey, aesIV string) (*SessionKeys, error) {
	wrapped, err := DecodeBase64(rsaAESKey)
	if err != nil {
		return nil, oops.Wrapf(ErrHandshake, "rsaaeskey is not base64: %v", err)
	}
	key, err := rsa.DecryptOAEP(sha1.New(), nil, k.key, wrapped, nil)
	if err != nil {
		return nil, oops.Wrapf(ErrHandshake, "failed to unwrap rsaaeskey: %v", err)
	}

	iv, err := DecodeBase64(aesIV)
	if err != nil {
		ZeroBytes(key)
		return nil, oops.Wrapf(ErrHandshake, "aesiv is not base64: %v", err)
	}

	keys := &SessionKeys{Scheme: SchemeAESCBC, Key: key, IV: iv}
	if err := keys.Validate(); err != nil {
		keys.Wipe()
		return nil, oops.Wrapf(ErrHandshake, "legacy session keys: %v", err)
	}
	return keys, nil
}

// WrapAESKey encrypts an AES key the way a sender places it in a=rsaaeskey.
func WrapAESKey(pub *rsa.PublicKey, key []byte, random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}
	wrapped, err := rsa.EncryptOAEP(sha1.New(), random, pub, key, nil)
	if err != nil {
		return "", oops.Wrapf(err, "failed to wrap AES key")
	}
	return base64.RawStdEncoding.EncodeToString(wrapped), nil
}

// DecodeBase64 decodes standard base64 with or without padding, as senders
// commonly strip the trailing '='.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
}
