// Package crypto implements the key exchange and payload protection used by
// RAOP sessions.
//
// # Key Agreement
//
// [Negotiator] answers pair-verify: for each request it generates a fresh
// ephemeral X25519 key, agrees a shared secret with the peer, and derives the
// audio key and IV with HKDF-SHA512. The opaque response carries the
// receiver's ephemeral public key followed by its Ed25519 signature, encrypted
// with the AES-128-CTR pair-verify stream:
//
//	negotiator, _ := crypto.NewNegotiator(nil, nil)
//	handshake, err := negotiator.Negotiate(peerKey)
//	if err != nil {
//	    // errors.Is(err, crypto.ErrHandshake)
//	}
//	// handshake.Response goes back to the peer, handshake.Keys onto the session
//
// Classic senders instead wrap an AES-128 key with the receiver's RSA key and
// announce it in the SDP; [RSAKey.LegacySessionKeys] unwraps it and
// [RSAKey.SignChallenge] answers the Apple-Challenge header.
//
// # Payload Protection
//
// [SessionKeys] names a [Scheme]. [NewDecrypter] returns the matching
// [PacketDecrypter]:
//
//   - SchemeNone passes payloads through
//   - SchemeAESCBC decrypts whole blocks from the session IV on every packet
//   - SchemeChaCha20Poly1305 authenticates payload and RTP timestamp/SSRC,
//     so any modified bit fails with ErrDecryption
//
// # Memory Hygiene
//
// Ephemeral private keys and shared secrets are wiped with [ZeroBytes] as
// soon as keys are derived. Sessions call [SessionKeys.Wipe] on teardown.
package crypto
