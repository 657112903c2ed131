package crypto

import (
	"crypto/aes"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
)

// Scheme identifies how audio payloads of a session are protected.
type Scheme int

const (
	// SchemeNone carries audio in the clear.
	SchemeNone Scheme = iota
	// SchemeAESCBC is the RSA-negotiated AES-128-CBC scheme of classic RAOP.
	// It carries no authentication tag.
	SchemeAESCBC
	// SchemeChaCha20Poly1305 is the authenticated scheme derived from pair-verify.
	SchemeChaCha20Poly1305
)

// String returns the scheme name used in logs and configuration.
func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "none"
	case SchemeAESCBC:
		return "aes-cbc"
	case SchemeChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// KeySize returns the fixed key length for the scheme.
func (s Scheme) KeySize() int {
	switch s {
	case SchemeAESCBC:
		return 16
	case SchemeChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		return 0
	}
}

// IVSize returns the fixed IV length for the scheme.
func (s Scheme) IVSize() int {
	switch s {
	case SchemeAESCBC:
		return aes.BlockSize
	case SchemeChaCha20Poly1305:
		return chacha20poly1305.NonceSize
	default:
		return 0
	}
}

// SessionKeys is the symmetric key material installed on a session.
// It is written once during negotiation and read-only until Wipe.
type SessionKeys struct {
	Scheme Scheme
	Key    []byte
	IV     []byte
}

// NoEncryption returns key material for unencrypted sessions.
func NoEncryption() *SessionKeys {
	return &SessionKeys{Scheme: SchemeNone}
}

// Validate checks key and IV lengths against the scheme.
func (k *SessionKeys) Validate() error {
	if k == nil {
		return oops.Wrapf(ErrInvalidKeyMaterial, "session keys are nil")
	}
	switch k.Scheme {
	case SchemeNone:
		return nil
	case SchemeAESCBC, SchemeChaCha20Poly1305:
		if len(k.Key) != k.Scheme.KeySize() {
			return oops.Wrapf(ErrInvalidKeyMaterial, "%s key must be %d bytes, got %d", k.Scheme, k.Scheme.KeySize(), len(k.Key))
		}
		if len(k.IV) != k.Scheme.IVSize() {
			return oops.Wrapf(ErrInvalidKeyMaterial, "%s iv must be %d bytes, got %d", k.Scheme, k.Scheme.IVSize(), len(k.IV))
		}
		return nil
	default:
		return oops.Wrapf(ErrUnknownScheme, "scheme %d", int(k.Scheme))
	}
}

// Clone returns a deep copy that can be wiped independently.
func (k *SessionKeys) Clone() *SessionKeys {
	if k == nil {
		return nil
	}
	return &SessionKeys{Scheme: k.Scheme, Key: cloneBytes(k.Key), IV: cloneBytes(k.IV)}
}

// Wipe zeroes the key material. The value must not be used afterwards.
func (k *SessionKeys) Wipe() {
	if k == nil {
		return
	}
	ZeroBytes(k.Key)
	ZeroBytes(k.IV)
	k.Key = nil
	k.IV = nil
}
