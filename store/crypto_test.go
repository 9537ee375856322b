package store

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := []byte(strings.Repeat("k", KeySize))

	ct, err := Encrypt("oauth:secret-token", key)
	require.NoError(t, err)
	require.NotEqual(t, "oauth:secret-token", ct)

	pt, err := Decrypt(ct, key)
	require.NoError(t, err)
	require.Equal(t, "oauth:secret-token", pt)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	key := []byte(strings.Repeat("k", KeySize))
	a, err := Encrypt("same", key)
	require.NoError(t, err)
	b, err := Encrypt("same", key)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonces must differ")
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := []byte(strings.Repeat("k", KeySize))
	ct, err := Encrypt("secret", key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), key)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ct, err := Encrypt("secret", []byte(strings.Repeat("a", KeySize)))
	require.NoError(t, err)
	_, err = Decrypt(ct, []byte(strings.Repeat("b", KeySize)))
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	key := []byte(strings.Repeat("k", KeySize))
	_, err := Decrypt("not base64 at all!!!", key)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = Decrypt("c2hvcnQ=", key)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestKeyLengthEnforced(t *testing.T) {
	_, err := Encrypt("x", []byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = Decrypt("x", []byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveKey(t *testing.T) {
	_, err := DeriveKey("")
	require.ErrorIs(t, err, ErrInvalidKey)

	raw := strings.Repeat("r", KeySize)
	key, err := DeriveKey(raw)
	require.NoError(t, err)
	require.Equal(t, []byte(raw), key, "exact-size passphrases pass through")

	derived, err := DeriveKey("a passphrase")
	require.NoError(t, err)
	require.Len(t, derived, KeySize)

	again, err := DeriveKey("a passphrase")
	require.NoError(t, err)
	require.Equal(t, derived, again, "derivation is deterministic")
}

func TestGenerateKey(t *testing.T) {
	encoded, err := GenerateKey()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Len(t, raw, KeySize)
}
