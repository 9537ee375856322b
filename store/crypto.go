package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	// ErrInvalidKey is returned when the encryption key has the wrong length.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrInvalidCiphertext is returned when the ciphertext cannot be decoded
	// or authenticated.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// keySalt is a fixed application salt for scrypt. The threat model is
// tokens-at-rest in a shared database, not offline dictionary resistance, so a
// per-install salt is not required.
var keySalt = []byte("clank.token.v1")

// DeriveKey stretches an operator-supplied passphrase into a 32-byte AES key.
// A passphrase that is already exactly 32 bytes is used verbatim so operators
// can supply raw keys generated by `clank genkey`.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	if len(passphrase) == KeySize {
		return []byte(passphrase), nil
	}
	key, err := scrypt.Key([]byte(passphrase), keySalt, 1<<15, 8, 1, KeySize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns base64(nonce||ct).
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "failed to create GCM")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKey
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(err, "failed to create GCM")
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// GenerateKey produces a random 32-byte key, base64-encoded for transport.
// Run once via `clank genkey` and set CLANK_TOKEN_KEY to the output.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", errors.Wrap(err, "failed to generate key")
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
