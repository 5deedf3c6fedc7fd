// Package vcrypto provides the engine's two cryptographic primitives:
// authenticated-encryption envelopes for secrets-at-rest (webhook secrets,
// optionally intent context/metadata) and HMAC signing/verification for
// dedupe fingerprints and outbound webhook payloads.
package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// envelopeVersion prefixes every encrypted envelope so future key-derivation
// changes can be distinguished from existing ciphertext at rest.
const envelopeVersion = "v1"

// EnvelopeCipher derives a per-purpose AES-256-GCM key from a master secret
// via HKDF-SHA256 (upgrading the teacher's plain HMAC-derived key with a
// standard KDF) and encrypts/decrypts envelopes tagged with that purpose as
// additional authenticated data, so a ciphertext produced for one purpose
// (e.g. "webhook-secret") cannot be replayed as another (e.g.
// "intent-context").
type EnvelopeCipher struct {
	masterSecret []byte
}

// NewEnvelopeCipher builds a cipher from the master secret. masterSecret
// must be non-empty; callers typically source it from config/KMS.
func NewEnvelopeCipher(masterSecret string) (*EnvelopeCipher, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("vcrypto: master secret must not be empty")
	}
	return &EnvelopeCipher{masterSecret: []byte(masterSecret)}, nil
}

func (c *EnvelopeCipher) deriveKey(purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, c.masterSecret, nil, []byte("vorion-envelope:"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("vcrypto: derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under a key derived for purpose, returning an
// opaque "v1:<base64url(nonce||ciphertext)>" envelope string.
func (c *EnvelopeCipher) Encrypt(purpose string, plaintext []byte) (string, error) {
	key, err := c.deriveKey(purpose)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vcrypto: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vcrypto: read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(purpose))
	return envelopeVersion + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt for the same purpose.
func (c *EnvelopeCipher) Decrypt(purpose, envelope string) ([]byte, error) {
	if len(envelope) < len(envelopeVersion)+1 || envelope[:len(envelopeVersion)] != envelopeVersion {
		return nil, errors.New("vcrypto: unrecognized envelope version")
	}
	raw, err := base64.RawURLEncoding.DecodeString(envelope[len(envelopeVersion)+1:])
	if err != nil {
		return nil, fmt.Errorf("vcrypto: decode envelope: %w", err)
	}
	key, err := c.deriveKey(purpose)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vcrypto: new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("vcrypto: envelope too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("vcrypto: open envelope: %w", err)
	}
	return plaintext, nil
}

// SignHMACSHA256 returns the lowercase-hex HMAC-SHA256 of message under key.
func SignHMACSHA256(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 performs a constant-time comparison between the HMAC of
// message under key and the provided hex-encoded signature.
func VerifyHMACSHA256(key, message []byte, signatureHex string) bool {
	expected := SignHMACSHA256(key, message)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHex)) == 1
}
