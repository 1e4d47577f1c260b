// Package crypto provides end-to-end encryption for relay message
// payloads. It uses X25519 for key agreement and ChaCha20-Poly1305 for
// authenticated encryption, with a fresh random nonce per message.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/coinstash/tether/internal/keystore"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = keystore.KeySize

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// boxInfo is the context string for HKDF key derivation.
	boxInfo = "tether-box-v1"
)

var (
	// ErrDecryptFailed is returned when authentication fails during
	// decryption: tampering, wrong key, or a corrupt nonce. Callers
	// treat this as a content-level error, not a connection error.
	ErrDecryptFailed = errors.New("crypto: message authentication failed")

	// ErrInvalidNonce is returned when a nonce has the wrong length.
	ErrInvalidNonce = errors.New("crypto: invalid nonce length")
)

// computeECDH performs X25519 Diffie-Hellman and returns the shared
// secret, rejecting low-order results.
func computeECDH(secretKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &secretKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// deriveBoxKey derives the symmetric key for a sender/recipient pair.
// The salt is senderPub || recipientPub, so both sides derive the same
// key from their own secret and the counterpart's public key, and keys
// are direction-bound (A→B differs from B→A).
func deriveBoxKey(sharedSecret, senderPub, recipientPub [KeySize]byte) ([]byte, error) {
	salt := make([]byte, KeySize+KeySize)
	copy(salt[0:KeySize], senderPub[:])
	copy(salt[KeySize:], recipientPub[:])

	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, sharedSecret[:], salt, []byte(boxInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext from sender to recipient. Returns the
// ciphertext (with auth tag appended) and the fresh random nonce.
func seal(plaintext []byte, senderSecret, senderPub, recipientPub [KeySize]byte) (ciphertext, nonce []byte, err error) {
	sharedSecret, err := computeECDH(senderSecret, recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("compute ECDH: %w", err)
	}
	defer zeroKey(&sharedSecret)

	key, err := deriveBoxKey(sharedSecret, senderPub, recipientPub)
	if err != nil {
		return nil, nil, err
	}
	defer zeroBytes(key)

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// open authenticates and decrypts a message from sender to recipient.
func open(ciphertext, nonce []byte, recipientSecret, senderPub, recipientPub [KeySize]byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	if len(ciphertext) < TagSize {
		return nil, ErrDecryptFailed
	}

	sharedSecret, err := computeECDH(recipientSecret, senderPub)
	if err != nil {
		return nil, fmt.Errorf("compute ECDH: %w", err)
	}
	defer zeroKey(&sharedSecret)

	key, err := deriveBoxKey(sharedSecret, senderPub, recipientPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// zeroBytes zeroes out a byte slice to prevent sensitive data from
// lingering in memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// zeroKey zeroes out a key array.
func zeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
