package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"sync"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Sizes of the pair-verify key material.
const (
	PublicKeySize  = curve25519.PointSize
	SigningKeySize = ed25519.PublicKeySize
	SignatureSize  = ed25519.SignatureSize
	// ResponseSize is the length of the opaque pair-verify response.
	ResponseSize = PublicKeySize + SignatureSize
)

var (
	pairVerifyAESKeySalt = []byte("Pair-Verify-AES-Key")
	pairVerifyAESIVSalt  = []byte("Pair-Verify-AES-IV")
	audioKeySalt         = []byte("Pair-Verify-Audio-Salt")
	audioKeyInfo         = []byte("Pair-Verify-Audio-Key")
)

// Negotiator performs the receiver side of the pair-verify key exchange.
// It holds only the long-term identity; every negotiation uses a fresh
// ephemeral key, so no two handshakes share derived keys.
type Negotiator struct {
	identity ed25519.PrivateKey

	mu     sync.Mutex
	random io.Reader
}

// NewNegotiator creates a negotiator.
//
// Parameters:
//   - identity: long-term Ed25519 key answered on /pair-setup; generated when nil
//   - random: entropy source for ephemeral keys; crypto/rand when nil
//
// Returns:
//   - *Negotiator: the negotiator
//   - error: if the identity has the wrong size or generation failed
func NewNegotiator(identity ed25519.PrivateKey, random io.Reader) (*Negotiator, error) {
	if random == nil {
		random = rand.Reader
	}

	if identity == nil {
		_, generated, err := ed25519.GenerateKey(random)
		if err != nil {
			return nil, oops.Wrapf(err, "failed to generate receiver identity")
		}
		identity = generated
	}
	if len(identity) != ed25519.PrivateKeySize {
		return nil, oops.Wrapf(ErrInvalidKeyMaterial, "identity must be %d bytes, got %d", ed25519.PrivateKeySize, len(identity))
	}

	NewLogger("NewNegotiator").
		WithField("identity", KeyPreview(identity.Public().(ed25519.PublicKey))).
		Debug("Negotiator created")

	return &Negotiator{identity: identity, random: random}, nil
}

// PublicKey returns the receiver's long-term Ed25519 public key.
func (n *Negotiator) PublicKey() ed25519.PublicKey {
	return n.identity.Public().(ed25519.PublicKey)
}

// Handshake is the result of one negotiation. Keys are handed to the caller,
// which installs them on a session; the handshake itself keeps only what
// Verify needs.
type Handshake struct {
	Keys     *SessionKeys
	Response []byte

	peerKey     [PublicKeySize]byte
	serverKey   [PublicKeySize]byte
	peerSigning ed25519.PublicKey
	stream      cipher.Stream
	verified    bool
}

// Negotiate runs the key agreement against a peer's public key material.
//
// peerKey is either the peer's 32-byte X25519 key or the 64-byte pair-verify
// payload (X25519 key followed by the peer's Ed25519 key). Malformed input
// returns ErrHandshake and no key material.
func (n *Negotiator) Negotiate(peerKey []byte) (*Handshake, error) {
	log := NewLogger("Negotiator.Negotiate").WithField("peer_key_size", len(peerKey))

	if len(peerKey) != PublicKeySize && len(peerKey) != PublicKeySize+SigningKeySize {
		log.Warn("Rejecting peer key material with invalid length")
		return nil, oops.Wrapf(ErrHandshake, "peer key material must be %d or %d bytes, got %d",
			PublicKeySize, PublicKeySize+SigningKeySize, len(peerKey))
	}

	ephemeral := make([]byte, curve25519.ScalarSize)
	defer ZeroBytes(ephemeral)

	n.mu.Lock()
	_, err := io.ReadFull(n.random, ephemeral)
	n.mu.Unlock()
	if err != nil {
		return nil, oops.Wrapf(err, "failed to read ephemeral key")
	}

	serverKey, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to compute ephemeral public key")
	}

	shared, err := curve25519.X25519(ephemeral, peerKey[:PublicKeySize])
	if err != nil {
		// Low-order points produce an all-zero secret and are refused here.
		log.WithError(err, "x25519").Warn("Rejecting peer public key")
		return nil, oops.Wrapf(ErrHandshake, "invalid peer public key: %v", err)
	}
	defer ZeroBytes(shared)

	keys, err := DeriveSessionKeys(shared)
	if err != nil {
		return nil, err
	}

	stream, err := NewPairVerifyStream(shared)
	if err != nil {
		keys.Wipe()
		return nil, err
	}

	h := &Handshake{Keys: keys, stream: stream}
	copy(h.peerKey[:], peerKey[:PublicKeySize])
	copy(h.serverKey[:], serverKey)
	if len(peerKey) > PublicKeySize {
		h.peerSigning = ed25519.PublicKey(cloneBytes(peerKey[PublicKeySize:]))
	}

	message := make([]byte, 0, 2*PublicKeySize)
	message = append(message, h.serverKey[:]...)
	message = append(message, h.peerKey[:]...)
	signature := ed25519.Sign(n.identity, message)

	h.Response = make([]byte, 0, ResponseSize)
	h.Response = append(h.Response, h.serverKey[:]...)
	encrypted := make([]byte, SignatureSize)
	stream.XORKeyStream(encrypted, signature)
	h.Response = append(h.Response, encrypted...)

	log.WithFields(logrus.Fields{
		"peer_key":   KeyPreview(h.peerKey[:]),
		"server_key": KeyPreview(h.serverKey[:]),
		"scheme":     keys.Scheme.String(),
	}).Info("Key agreement completed")

	return h, nil
}

// RequiresVerification reports whether the peer supplied a signing key and
// must prove possession of it before the keys are trusted.
func (h *Handshake) RequiresVerification() bool {
	return h.peerSigning != nil
}

// Verified reports whether Verify succeeded.
func (h *Handshake) Verified() bool {
	return h.verified
}

// Verify checks the peer's encrypted signature over its own and the
// receiver's ephemeral keys, completing pair-verify.
func (h *Handshake) Verify(encryptedSignature []byte) error {
	if h.peerSigning == nil {
		return oops.Wrapf(ErrHandshake, "peer did not supply a signing key")
	}
	if len(encryptedSignature) != SignatureSize {
		return oops.Wrapf(ErrHandshake, "signature must be %d bytes, got %d", SignatureSize, len(encryptedSignature))
	}

	signature := make([]byte, SignatureSize)
	h.stream.XORKeyStream(signature, encryptedSignature)

	message := make([]byte, 0, 2*PublicKeySize)
	message = append(message, h.peerKey[:]...)
	message = append(message, h.serverKey[:]...)
	if !ed25519.Verify(h.peerSigning, message, signature) {
		NewLogger("Handshake.Verify").
			WithField("peer_key", KeyPreview(h.peerKey[:])).
			Warn("Peer signature did not verify")
		return oops.Wrapf(ErrHandshake, "peer signature verification failed")
	}

	h.verified = true
	return nil
}

// ServerKey returns the receiver's ephemeral public key for this handshake.
func (h *Handshake) ServerKey() []byte {
	return cloneBytes(h.serverKey[:])
}

// DeriveSessionKeys expands an X25519 shared secret into the audio key and IV
// with HKDF-SHA512. Both sides of a pair-verify exchange call it.
func DeriveSessionKeys(shared []byte) (*SessionKeys, error) {
	if len(shared) != curve25519.PointSize {
		return nil, oops.Wrapf(ErrHandshake, "shared secret must be %d bytes", curve25519.PointSize)
	}

	reader := hkdf.New(sha512.New, shared, audioKeySalt, audioKeyInfo)
	keys := &SessionKeys{
		Scheme: SchemeChaCha20Poly1305,
		Key:    make([]byte, SchemeChaCha20Poly1305.KeySize()),
		IV:     make([]byte, SchemeChaCha20Poly1305.IVSize()),
	}
	if _, err := io.ReadFull(reader, keys.Key); err != nil {
		return nil, oops.Wrapf(err, "failed to derive audio key")
	}
	if _, err := io.ReadFull(reader, keys.IV); err != nil {
		keys.Wipe()
		return nil, oops.Wrapf(err, "failed to derive audio iv")
	}
	return keys, nil
}

// NewPairVerifyStream returns the AES-128-CTR stream that protects the
// signatures exchanged during pair-verify. The receiver's signature uses the
// first 64 bytes of keystream and the peer's signature the next 64.
func NewPairVerifyStream(shared []byte) (cipher.Stream, error) {
	keyDigest := sha512.Sum512(append(cloneBytes(pairVerifyAESKeySalt), shared...))
	ivDigest := sha512.Sum512(append(cloneBytes(pairVerifyAESIVSalt), shared...))
	defer ZeroBytes(keyDigest[:])

	block, err := aes.NewCipher(keyDigest[:16])
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create pair-verify cipher")
	}
	return cipher.NewCTR(block, ivDigest[:16]), nil
}

// PairVerifyMessage is one decoded /pair-verify request body.
type PairVerifyMessage struct {
	// Initial is set on the first message, which carries key material.
	Initial bool
	Payload []byte
}

// ParsePairVerify decodes a pair-verify body: a flag byte, three reserved
// bytes, then the payload.
func ParsePairVerify(body []byte) (*PairVerifyMessage, error) {
	if len(body) < 4 {
		return nil, oops.Wrapf(ErrHandshake, "pair-verify body of %d bytes is too short", len(body))
	}

	msg := &PairVerifyMessage{Initial: body[0] == 1, Payload: body[4:]}
	if msg.Initial && len(msg.Payload) != PublicKeySize+SigningKeySize {
		return nil, oops.Wrapf(ErrHandshake, "pair-verify key payload must be %d bytes, got %d",
			PublicKeySize+SigningKeySize, len(msg.Payload))
	}
	if !msg.Initial && len(msg.Payload) != SignatureSize {
		return nil, oops.Wrapf(ErrHandshake, "pair-verify signature payload must be %d bytes, got %d",
			SignatureSize, len(msg.Payload))
	}
	return msg, nil
}
