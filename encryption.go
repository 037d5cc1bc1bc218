package cloudvfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
)

// Decrypter turns stored credential ciphertext back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext, secret string) (string, error)
}

// DecrypterFunc adapts a function to Decrypter.
type DecrypterFunc func(ciphertext, secret string) (string, error)

// Decrypt calls f.
func (f DecrypterFunc) Decrypt(ciphertext, secret string) (string, error) {
	return f(ciphertext, secret)
}

// PlaintextDecrypter returns ciphertext unchanged, for local setups that
// keep credentials unencrypted.
var PlaintextDecrypter = DecrypterFunc(func(ciphertext, _ string) (string, error) {
	return ciphertext, nil
})

// AESDecrypter opens base64 AES-256-GCM ciphertext sealed by Encrypt.
// The key is the SHA-256 of the secret and the nonce prefixes the sealed data.
type AESDecrypter struct{}

func newGCM(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))

	// Create a new AES cipher
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	// Create a new GCM cipher
	return cipher.NewGCM(block)
}

// Decrypt implements Decrypter.
func (AESDecrypter) Decrypt(ciphertext, secret string) (string, error) {
	if secret == "" {
		return "", Error.New("decrypt: empty secret")
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", Error.New("decrypt: %v", err)
	}
	gcm, err := newGCM(secret)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", Error.New("decrypt: ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", Error.New("decrypt: %v", err)
	}
	return string(plain), nil
}

// Encrypt seals plaintext for storage in a StorageConfig.
func Encrypt(plaintext, secret string) (string, error) {
	if secret == "" {
		return "", Error.New("encrypt: empty secret")
	}
	gcm, err := newGCM(secret)
	if err != nil {
		return "", Error.Wrap(err)
	}

	// Create a nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", Error.Wrap(err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
