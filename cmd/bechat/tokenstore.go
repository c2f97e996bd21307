package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// tokenSalt is a fixed pbkdf2 salt constant rather than a per-file random
// salt: the persisted token file is single-purpose and single-machine, so
// a fixed salt trades a little cryptographic margin for a zero-config
// passphrase-to-key expansion.
const tokenSalt = "bechat-token-store"

// tokenPBKDF2Iterations is the pbkdf2.Key work factor for stretching the
// operator-supplied passphrase into an AES key.
const tokenPBKDF2Iterations = 4096

// TokenStore persists the opaque bearer token `login`/`register` returns,
// for auto-login on next startup, encrypted at rest under a key stretched
// from an operator-supplied passphrase.
type TokenStore struct {
	path       string
	passphrase string
}

// NewTokenStore opens a token store backed by a single file at path.
func NewTokenStore(path, passphrase string) *TokenStore {
	return &TokenStore{path: path, passphrase: passphrase}
}

func (s *TokenStore) key() []byte {
	return pbkdf2.Key([]byte(s.passphrase), []byte(tokenSalt), tokenPBKDF2Iterations, 32, sha1.New)
}

// Load reads and decrypts the persisted token, or returns "" with no error
// if the file does not exist yet (first run).
func (s *TokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrap(err, "tokenstore: read")
	}

	block, err := aes.NewCipher(s.key())
	if err != nil {
		return "", errors.Wrap(err, "tokenstore: aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "tokenstore: cipher.NewGCM")
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("tokenstore: file too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "tokenstore: decrypt")
	}
	return string(plaintext), nil
}

// Save encrypts and persists token, replacing whatever was there before.
func (s *TokenStore) Save(token string) error {
	block, err := aes.NewCipher(s.key())
	if err != nil {
		return errors.Wrap(err, "tokenstore: aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errors.Wrap(err, "tokenstore: cipher.NewGCM")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return errors.Wrap(err, "tokenstore: generate nonce")
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(token), nil)
	return os.WriteFile(s.path, ciphertext, 0600)
}

// Clear removes the persisted token file, e.g. on logout.
func (s *TokenStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "tokenstore: remove")
	}
	return nil
}
