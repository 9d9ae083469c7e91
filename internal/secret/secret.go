// Package secret implements the symmetric codec used to store provider
// credentials at rest.
//
// Wire format: "salt:nonce:tag:ciphertext", each part hex encoded. The data
// key is derived from the operator master key with scrypt (a fresh random
// salt per secret), and the payload is sealed with AES-256-GCM. The format is
// self-contained — rotating the master key means re-encrypting every stored
// credential, there is no key versioning.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	saltLength  = 64
	nonceLength = 16
	tagLength   = 16
	keyLength   = 32

	// scrypt cost parameters.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// ErrInvalidFormat is returned when the stored value is not a valid
// four-part hex string.
var ErrInvalidFormat = errors.New("secret: invalid encrypted format")

// ErrDecryptFailed is returned when authentication fails — wrong master key
// or tampered ciphertext. The error intentionally carries no detail.
var ErrDecryptFailed = errors.New("secret: decryption failed")

// Encrypt seals plaintext under masterKey and returns the encoded value.
func Encrypt(plaintext, masterKey string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secret: salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the 16-byte auth tag; the stored format keeps it separate.
	ct, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens an encoded value with masterKey.
func Decrypt(encoded, masterKey string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 4 {
		return "", ErrInvalidFormat
	}

	raw := make([][]byte, 4)
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil {
			return "", ErrInvalidFormat
		}
		raw[i] = b
	}
	salt, nonce, tag, ct := raw[0], raw[1], raw[2], raw[3]
	if len(salt) != saltLength || len(nonce) != nonceLength || len(tag) != tagLength {
		return "", ErrInvalidFormat
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func newGCM(masterKey string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(masterKey), salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, fmt.Errorf("secret: gcm: %w", err)
	}
	return gcm, nil
}
