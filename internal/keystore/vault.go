package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys in bytes.
	KeySize = 32

	publicKeyName = "box_public_key"
	secretKeyName = "box_secret_key"
)

// KeyPair holds the device's asymmetric encryption keypair. The secret
// key never leaves the device that generated it; only the public key
// crosses the network.
type KeyPair struct {
	PublicKey [KeySize]byte
	SecretKey [KeySize]byte
}

// GenerateKeyPair generates a new X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.SecretKey[:]); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}

	// Clamp the secret key per X25519 spec
	kp.SecretKey[0] &= 248
	kp.SecretKey[31] &= 127
	kp.SecretKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.SecretKey)
	return kp, nil
}

// Vault owns the device keypair: it generates the pair lazily on first
// use, persists it in the secure store, and caches it in memory.
type Vault struct {
	store Store

	mu     sync.Mutex
	cached *KeyPair
}

// NewVault creates a vault backed by the given store.
func NewVault(store Store) *Vault {
	return &Vault{store: store}
}

// GetOrCreateKeyPair returns the cached keypair, loading it from the
// store or generating a fresh one as needed. Stored material that fails
// validation (wrong length, bad encoding) triggers unconditional
// regeneration, never partial repair.
func (v *Vault) GetOrCreateKeyPair() (*KeyPair, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cached != nil {
		return v.cached, nil
	}

	if kp, ok := v.load(); ok {
		v.cached = kp
		return kp, nil
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := v.persist(kp); err != nil {
		return nil, err
	}

	v.cached = kp
	return kp, nil
}

// PublicKey returns the device public key, generating the keypair if
// necessary.
func (v *Vault) PublicKey() ([KeySize]byte, error) {
	kp, err := v.GetOrCreateKeyPair()
	if err != nil {
		return [KeySize]byte{}, err
	}
	return kp.PublicKey, nil
}

// Reset drops the cached keypair and removes it from the store. The
// next GetOrCreateKeyPair call generates a fresh pair.
func (v *Vault) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cached = nil
	if err := v.store.Delete(publicKeyName); err != nil {
		return err
	}
	return v.store.Delete(secretKeyName)
}

// load reads and validates the stored keypair. Returns false on any
// missing or invalid material.
func (v *Vault) load() (*KeyPair, bool) {
	pubHex, err := v.store.Get(publicKeyName)
	if err != nil {
		return nil, false
	}
	secHex, err := v.store.Get(secretKeyName)
	if err != nil {
		return nil, false
	}

	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != KeySize {
		return nil, false
	}
	sec, err := hex.DecodeString(secHex)
	if err != nil || len(sec) != KeySize {
		return nil, false
	}

	kp := &KeyPair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.SecretKey[:], sec)
	return kp, true
}

func (v *Vault) persist(kp *KeyPair) error {
	if err := v.store.Set(publicKeyName, hex.EncodeToString(kp.PublicKey[:])); err != nil {
		return fmt.Errorf("persist public key: %w", err)
	}
	if err := v.store.Set(secretKeyName, hex.EncodeToString(kp.SecretKey[:])); err != nil {
		return fmt.Errorf("persist secret key: %w", err)
	}
	return nil
}
