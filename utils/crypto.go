package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

// Bank access tokens never touch the database in the clear. They are
// sealed with AES-256-GCM under the key in TOKEN_ENCRYPTION_KEY and
// stored base64 encoded, nonce first.

const tokenKeyEnv = "TOKEN_ENCRYPTION_KEY"

func sealer() (cipher.AEAD, error) {
	key := os.Getenv(tokenKeyEnv)
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must hold a 32 byte key, got %d bytes", tokenKeyEnv, len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and returns it base64 encoded with the nonce
// prepended.
func Encrypt(plaintext []byte) (string, error) {
	gcm, err := sealer()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails on a truncated payload, a wrong key,
// or any tampering the GCM tag catches.
func Decrypt(encoded string) ([]byte, error) {
	gcm, err := sealer()
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("sealed token is not valid base64: %w", err)
	}
	if len(sealed) <= gcm.NonceSize() {
		return nil, fmt.Errorf("sealed token is truncated at %d bytes", len(sealed))
	}

	nonce := sealed[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, sealed[gcm.NonceSize():], nil)
}
