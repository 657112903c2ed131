package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
)

// Layout of an authenticated audio payload: ciphertext || tag || nonce.
const (
	TagSize         = chacha20poly1305.Overhead
	PacketNonceSize = 8
	// headerAADStart and headerAADEnd select the RTP timestamp and SSRC as associated data.
	headerAADStart = 4
	headerAADEnd   = 12
)

// PacketDecrypter recovers the plaintext payload of one audio packet.
// Implementations keep no per-packet state between calls.
type PacketDecrypter interface {
	Decrypt(header, payload []byte) ([]byte, error)
}

// PacketEncrypter produces payloads a PacketDecrypter with the same keys accepts.
type PacketEncrypter interface {
	Encrypt(header, payload []byte) ([]byte, error)
}

// NewDecrypter returns the decrypter for the scheme carried by keys.
// The returned value copies the key material it needs.
func NewDecrypter(keys *SessionKeys) (PacketDecrypter, error) {
	if err := keys.Validate(); err != nil {
		return nil, err
	}

	switch keys.Scheme {
	case SchemeNone:
		return plainCodec{}, nil
	case SchemeAESCBC:
		return newCBCCodec(keys)
	case SchemeChaCha20Poly1305:
		return newAEADCodec(keys)
	default:
		return nil, oops.Wrapf(ErrUnknownScheme, "scheme %d", int(keys.Scheme))
	}
}

// NewEncrypter returns the encrypter matching NewDecrypter for the same keys.
func NewEncrypter(keys *SessionKeys) (PacketEncrypter, error) {
	if err := keys.Validate(); err != nil {
		return nil, err
	}

	switch keys.Scheme {
	case SchemeNone:
		return plainCodec{}, nil
	case SchemeAESCBC:
		return newCBCCodec(keys)
	case SchemeChaCha20Poly1305:
		return newAEADCodec(keys)
	default:
		return nil, oops.Wrapf(ErrUnknownScheme, "scheme %d", int(keys.Scheme))
	}
}

type plainCodec struct{}

func (plainCodec) Decrypt(_, payload []byte) ([]byte, error) {
	return cloneBytes(payload), nil
}

func (plainCodec) Encrypt(_, payload []byte) ([]byte, error) {
	return cloneBytes(payload), nil
}

// cbcCodec implements classic RAOP payload protection: each packet restarts
// CBC from the session IV and only whole blocks are encrypted. Trailing bytes
// travel in the clear.
type cbcCodec struct {
	block cipher.Block
	iv    []byte
}

func newCBCCodec(keys *SessionKeys) (*cbcCodec, error) {
	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidKeyMaterial, "aes cipher: %v", err)
	}
	return &cbcCodec{block: block, iv: cloneBytes(keys.IV)}, nil
}

func (c *cbcCodec) Decrypt(_, payload []byte) ([]byte, error) {
	out := cloneBytes(payload)
	n := len(out) / aes.BlockSize * aes.BlockSize
	if n > 0 {
		cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out[:n], out[:n])
	}
	return out, nil
}

func (c *cbcCodec) Encrypt(_, payload []byte) ([]byte, error) {
	out := cloneBytes(payload)
	n := len(out) / aes.BlockSize * aes.BlockSize
	if n > 0 {
		cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out[:n], out[:n])
	}
	return out, nil
}

// aeadCodec implements the pair-verify scheme. The RTP timestamp and SSRC are
// authenticated as associated data, so header splicing fails as well.
type aeadCodec struct {
	aead cipher.AEAD
	iv   []byte

	mu      sync.Mutex
	counter uint64
}

func newAEADCodec(keys *SessionKeys) (*aeadCodec, error) {
	aead, err := chacha20poly1305.New(keys.Key)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidKeyMaterial, "chacha20-poly1305: %v", err)
	}
	return &aeadCodec{aead: aead, iv: cloneBytes(keys.IV)}, nil
}

func (c *aeadCodec) nonce(packetNonce []byte) []byte {
	nonce := cloneBytes(c.iv)
	offset := len(nonce) - PacketNonceSize
	for i := 0; i < PacketNonceSize; i++ {
		nonce[offset+i] ^= packetNonce[i]
	}
	return nonce
}

func associatedData(header []byte) []byte {
	if len(header) < headerAADEnd {
		return nil
	}
	return header[headerAADStart:headerAADEnd]
}

func (c *aeadCodec) Decrypt(header, payload []byte) ([]byte, error) {
	if len(payload) < TagSize+PacketNonceSize {
		return nil, oops.Wrapf(ErrDecryption, "payload of %d bytes is shorter than tag and nonce", len(payload))
	}

	split := len(payload) - PacketNonceSize
	sealed, packetNonce := payload[:split], payload[split:]
	plaintext, err := c.aead.Open(nil, c.nonce(packetNonce), sealed, associatedData(header))
	if err != nil {
		return nil, oops.Wrapf(ErrDecryption, "payload authentication: %v", err)
	}
	return plaintext, nil
}

func (c *aeadCodec) Encrypt(header, payload []byte) ([]byte, error) {
	c.mu.Lock()
	c.counter++
	counter := c.counter
	c.mu.Unlock()

	packetNonce := make([]byte, PacketNonceSize)
	binary.LittleEndian.PutUint64(packetNonce, counter)

	out := c.aead.Seal(nil, c.nonce(packetNonce), payload, associatedData(header))
	return append(out, packetNonce...), nil
}
