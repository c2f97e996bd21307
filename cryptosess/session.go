// Package cryptosess implements the per-session cryptography for the
// reliable UDP channel: X25519 ephemeral key agreement, HKDF-SHA256 key
// derivation, and the AES-256-GCM framing used for Seq payloads.
package cryptosess

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the X25519 key size, also the size of the derived AEAD key.
const KeySize = 32

// hkdfInfo is the fixed 12-byte all-zero info string used for key
// derivation.
var hkdfInfo = make([]byte, 12)

// nonce and AAD are fixed all-zero for every session. This reuses the same
// (key, nonce) pair across every Seq payload in a session, which breaks
// AES-GCM's confidentiality and integrity guarantees after the first
// message; it is a known wire-compatibility tradeoff rather than an
// oversight, and is tracked as a defect to fix in a future protocol
// revision rather than silently worked around here. See DESIGN.md.
var (
	staticNonce = make([]byte, 12)
	staticAAD   = make([]byte, 12)
)

// KeyPair is an ephemeral X25519 keypair generated for one handshake.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair creates a fresh ephemeral X25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, errors.Wrap(err, "cryptosess: generate private scalar")
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "cryptosess: derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 shared secret between our private key
// and the peer's public key.
func SharedSecret(private [KeySize]byte, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, errors.Errorf("cryptosess: peer public key must be %d bytes, got %d", KeySize, len(peerPublic))
	}
	secret, err := curve25519.X25519(private[:], peerPublic)
	if err != nil {
		return nil, errors.Wrap(err, "cryptosess: compute shared secret")
	}
	return secret, nil
}

// DeriveAEADKey expands an X25519 shared secret through HKDF-SHA256 (empty
// salt, 12-byte all-zero info) into a 32-byte AES-256-GCM key.
func DeriveAEADKey(sharedSecret []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	reader := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, errors.Wrap(err, "cryptosess: HKDF expand")
	}
	return key, nil
}

// AEAD wraps an AES-256-GCM cipher.AEAD bound to one session key.
type AEAD struct {
	gcm cipher.AEAD
}

// NewAEAD builds the AES-256-GCM instance for a derived session key.
func NewAEAD(key [KeySize]byte) (*AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "cryptosess: aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "cryptosess: cipher.NewGCM")
	}
	return &AEAD{gcm: gcm}, nil
}

// Seal encrypts plaintext under the session's static nonce/AAD.
func (a *AEAD) Seal(plaintext []byte) []byte {
	return a.gcm.Seal(nil, staticNonce, plaintext, staticAAD)
}

// Open decrypts and authenticates a ciphertext sealed with Seal.
func (a *AEAD) Open(ciphertext []byte) ([]byte, error) {
	plaintext, err := a.gcm.Open(nil, staticNonce, ciphertext, staticAAD)
	if err != nil {
		return nil, errors.Wrap(err, "cryptosess: AEAD open failed")
	}
	return plaintext, nil
}
