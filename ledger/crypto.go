package ledger

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// IVSize is the initialization vector length in bytes. Encoded with base64
// this is always a 24-character string, so persisted IVs have fixed length.
const IVSize = 16

// Key is 256 bits of symmetric key material.
type Key [32]byte

// DeriveKey stretches a password into a wrapping key using PBKDF2-SHA256,
// then expands it through HKDF. The salt is not secret but must be stable
// per user for re-derivation on other devices.
func DeriveKey(password string, salt []byte, params KDFParams) (Key, error) {
	if params.Iterations <= 0 {
		params = DefaultKDFParams()
	}
	mk := pbkdf2.Key([]byte(password), salt, params.Iterations, params.KeyLen, sha256.New)

	var out Key
	r := hkdf.New(sha256.New, mk, nil, []byte("whisper:v1:wrap"))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return Key{}, err
	}

	for i := range mk {
		mk[i] = 0
	}
	return out, nil
}

// Cipher performs authenticated encryption of sensitive field values.
// Implementations must fail decryption loudly (DecryptError) rather than
// return garbage when authentication does not verify.
type Cipher interface {
	Encrypt(plaintext []byte) (EncryptedValue, error)
	Decrypt(v EncryptedValue) ([]byte, error)
}

// AESCipher is the production Cipher: AES-256-GCM with a fresh random
// 16-byte IV per call.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher builds a cipher from raw key material.
func NewAESCipher(key Key) (*AESCipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, err
	}
	return &AESCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a freshly random IV.
func (c *AESCipher) Encrypt(plaintext []byte) (EncryptedValue, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedValue{}, err
	}
	ct := c.aead.Seal(nil, iv, plaintext, nil)
	return EncryptedValue{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Decrypt reverses Encrypt. Authentication failure (wrong key, corrupted
// data, or wrong IV) yields a DecryptError, never silent garbage.
func (c *AESCipher) Decrypt(v EncryptedValue) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(v.IV)
	if err != nil {
		return nil, &DecryptError{Cause: err}
	}
	if len(iv) != IVSize {
		return nil, &DecryptError{Cause: errors.New("invalid iv size")}
	}
	ct, err := base64.StdEncoding.DecodeString(v.Ciphertext)
	if err != nil {
		return nil, &DecryptError{Cause: err}
	}
	plain, err := c.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, &DecryptError{Cause: err}
	}
	return plain, nil
}

// PlainCipher is a Cipher for tests: it encodes but does not protect.
// It keeps the envelope shape (fixed-length IV, opaque ciphertext) so code
// under test exercises the same paths as production.
type PlainCipher struct{}

// Encrypt base64-encodes the plaintext with a random throwaway IV.
func (PlainCipher) Encrypt(plaintext []byte) (EncryptedValue, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedValue{}, err
	}
	return EncryptedValue{
		Ciphertext: base64.StdEncoding.EncodeToString(plaintext),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Decrypt reverses Encrypt.
func (PlainCipher) Decrypt(v EncryptedValue) ([]byte, error) {
	plain, err := base64.StdEncoding.DecodeString(v.Ciphertext)
	if err != nil {
		return nil, &DecryptError{Cause: err}
	}
	return plain, nil
}

// EncryptString is a convenience for string-valued fields.
func EncryptString(c Cipher, s string) (EncryptedValue, error) {
	return c.Encrypt([]byte(s))
}

// DecryptString is a convenience for string-valued fields. A zero value
// decrypts to the empty string (the field was never set).
func DecryptString(c Cipher, v EncryptedValue) (string, error) {
	if v.IsZero() {
		return "", nil
	}
	b, err := c.Decrypt(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
