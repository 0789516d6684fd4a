// ABOUTME: Key lifecycle: one-time setup, password unlock, mnemonic recovery.
// ABOUTME: The data-encryption key never leaves the client in plaintext.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/tyler-smith/go-bip39"
)

// Keyring holds the unlocked data-encryption key (DEK) and the cipher built
// from it. The DEK is random, generated once at setup; the password-derived
// wrapping key only ever encrypts the DEK for server-side storage.
type Keyring struct {
	dek    Key
	cipher *AESCipher
}

// Cipher returns the field cipher for the unlocked key.
func (k *Keyring) Cipher() Cipher {
	return k.cipher
}

// Mnemonic renders the DEK as a 24-word recovery phrase. A user who loses
// the password can rebuild the key from the phrase on any device.
func (k *Keyring) Mnemonic() (string, error) {
	return bip39.NewMnemonic(k.dek[:])
}

func newKeyring(dek Key) (*Keyring, error) {
	c, err := NewAESCipher(dek)
	if err != nil {
		return nil, err
	}
	return &Keyring{dek: dek, cipher: c}, nil
}

// SetupKeyring performs the one-time per-user setup: generate a salt and a
// random DEK, wrap the DEK under the password-derived key, and upload
// {salt, wrapped DEK, iv} to the server. The wrapped DEK doubles as the
// password verification blob: an authenticated unwrap only succeeds with
// the right password, and the server never learns either key.
func SetupKeyring(ctx context.Context, client *APIClient, password string, params KDFParams) (*Keyring, error) {
	if password == "" {
		return nil, errors.New("password required")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	wrapKey, err := DeriveKey(password, salt, params)
	if err != nil {
		return nil, err
	}
	wrapper, err := NewAESCipher(wrapKey)
	if err != nil {
		return nil, err
	}

	var dek Key
	if _, err := rand.Read(dek[:]); err != nil {
		return nil, err
	}
	env, err := wrapper.Encrypt(dek[:])
	if err != nil {
		return nil, err
	}

	msg := EncryptionMessage{
		Salt:             base64.StdEncoding.EncodeToString(salt),
		EncryptedContent: env.Ciphertext,
		IV:               env.IV,
	}
	if err := client.SetupEncryption(ctx, msg); err != nil {
		return nil, err
	}
	return newKeyring(dek)
}

// UnlockKeyring fetches the user's encryption message from the server and
// unwraps the DEK with the password. A wrong password surfaces as
// DecryptError; a user who never ran setup gets ErrNotSetUp.
func UnlockKeyring(ctx context.Context, client *APIClient, password string, params KDFParams) (*Keyring, error) {
	msg, err := client.GetEncryptionMessage(ctx)
	if err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(msg.Salt)
	if err != nil {
		return nil, err
	}
	wrapKey, err := DeriveKey(password, salt, params)
	if err != nil {
		return nil, err
	}
	wrapper, err := NewAESCipher(wrapKey)
	if err != nil {
		return nil, err
	}
	plain, err := wrapper.Decrypt(EncryptedValue{Ciphertext: msg.EncryptedContent, IV: msg.IV})
	if err != nil {
		return nil, err
	}
	if len(plain) != len(Key{}) {
		return nil, &DecryptError{Cause: errors.New("unwrapped key has wrong size")}
	}
	var dek Key
	copy(dek[:], plain)
	for i := range plain {
		plain[i] = 0
	}
	return newKeyring(dek)
}

// RecoverKeyring rebuilds the DEK from a 24-word recovery phrase.
func RecoverKeyring(mnemonic string) (*Keyring, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, errors.New("invalid recovery phrase")
	}
	if len(entropy) != len(Key{}) {
		return nil, errors.New("recovery phrase must be 24 words")
	}
	var dek Key
	copy(dek[:], entropy)
	return newKeyring(dek)
}
