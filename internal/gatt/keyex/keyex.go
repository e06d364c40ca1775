// Package keyex implements the key-agreement half of the bracelet
// authentication hook: both ends trade SEC1 compressed P-256 points, run
// ECDH, and expand the shared secret into an AES-256-GCM session cipher
// that seals the bracelet's challenge.
package keyex

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// CompressedKeyLen is the wire size of a SEC1 compressed P-256 point, the
// only public-key form the bracelet's auth characteristic has room for.
const CompressedKeyLen = 33

// sessionInfo is the HKDF info string binding derived keys to this
// handshake.
const sessionInfo = "blectl-auth"

// Session is one side of the handshake: an ephemeral P-256 key pair and,
// once Derive has consumed the peer's point, the sealed-challenge cipher.
type Session struct {
	priv *ecdh.PrivateKey
	aead cipher.AEAD
}

// NewSession generates the ephemeral key pair.
func NewSession() (*Session, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyex: generating key pair: %w", err)
	}
	return &Session{priv: priv}, nil
}

// PublicKey returns this side's compressed public point for the peer.
func (s *Session) PublicKey() []byte {
	// crypto/ecdh only speaks the uncompressed form (0x04 || x || y);
	// re-encode through the curve's coordinates to get the 33-byte point.
	raw := s.priv.PublicKey().Bytes()
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:])
	return elliptic.MarshalCompressed(elliptic.P256(), x, y)
}

// Derive consumes the peer's compressed point and installs the session
// cipher: AES-256-GCM under HKDF-SHA256 of the ECDH shared secret.
func (s *Session) Derive(peerCompressed []byte) error {
	if len(peerCompressed) != CompressedKeyLen {
		return fmt.Errorf("keyex: peer key is %d bytes, want %d", len(peerCompressed), CompressedKeyLen)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), peerCompressed)
	if x == nil {
		return fmt.Errorf("keyex: peer key is not a point on P-256")
	}
	peer, err := (&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}).ECDH()
	if err != nil {
		return fmt.Errorf("keyex: peer key: %w", err)
	}

	secret, err := s.priv.ECDH(peer)
	if err != nil {
		return fmt.Errorf("keyex: agreement: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sessionInfo)), key); err != nil {
		return fmt.Errorf("keyex: expanding session key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("keyex: session cipher: %w", err)
	}
	s.aead, err = cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("keyex: session cipher: %w", err)
	}
	return nil
}

// Seal encrypts a challenge into the bracelet's response framing:
// nonce || tag || ciphertext.
func (s *Session) Seal(challenge []byte) ([]byte, error) {
	if s.aead == nil {
		return nil, fmt.Errorf("keyex: session key not derived")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyex: nonce: %w", err)
	}
	// GCM appends the tag to the ciphertext; the bracelet wants it up
	// front, right after the nonce.
	sealed := s.aead.Seal(nil, nonce, challenge, nil)
	split := len(sealed) - s.aead.Overhead()
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[split:]...)
	out = append(out, sealed[:split]...)
	return out, nil
}

// Open reverses Seal, verifying the tag.
func (s *Session) Open(blob []byte) ([]byte, error) {
	if s.aead == nil {
		return nil, fmt.Errorf("keyex: session key not derived")
	}
	ns, ts := s.aead.NonceSize(), s.aead.Overhead()
	if len(blob) < ns+ts {
		return nil, fmt.Errorf("keyex: response of %d bytes is shorter than nonce+tag", len(blob))
	}
	nonce, tag, ct := blob[:ns], blob[ns:ns+ts], blob[ns+ts:]
	sealed := make([]byte, 0, len(ct)+ts)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("keyex: open: %w", err)
	}
	return plain, nil
}
