package crypto

import (
	"context"
	"fmt"

	"github.com/coinstash/tether/internal/directory"
	"github.com/coinstash/tether/internal/keystore"
)

// Envelope carries an encrypted payload and the nonce it was sealed
// with. Both fields travel on the wire in place of the plaintext.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
}

// Service encrypts and decrypts message payloads between this device
// and its paired counterparts. It owns no key material itself: the
// vault holds the local keypair and the directory resolves remote
// public keys.
type Service struct {
	vault *keystore.Vault
	dir   *directory.Client
}

// NewService creates an encryption service.
func NewService(vault *keystore.Vault, dir *directory.Client) *Service {
	return &Service{vault: vault, dir: dir}
}

// Encrypt seals plaintext for the given recipient device. A fresh
// random nonce is generated per call.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, recipientDeviceID string) (*Envelope, error) {
	kp, err := s.vault.GetOrCreateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	recipientPub, err := s.dir.Lookup(ctx, recipientDeviceID)
	if err != nil {
		return nil, err
	}

	ciphertext, nonce, err := seal(plaintext, kp.SecretKey, kp.PublicKey, recipientPub)
	if err != nil {
		return nil, err
	}

	return &Envelope{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Decrypt authenticates and opens a payload from the given sender
// device. Returns ErrDecryptFailed when authentication fails; callers
// display a placeholder rather than treating the connection as broken.
func (s *Service) Decrypt(ctx context.Context, ciphertext, nonce []byte, senderDeviceID string) ([]byte, error) {
	kp, err := s.vault.GetOrCreateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	senderPub, err := s.dir.Lookup(ctx, senderDeviceID)
	if err != nil {
		return nil, err
	}

	return open(ciphertext, nonce, kp.SecretKey, senderPub, kp.PublicKey)
}

// RegisterPublicKey upserts this device's public key and fingerprint in
// the remote directory. The upsert overwrites any previous key so key
// rotation is a single write.
func (s *Service) RegisterPublicKey(ctx context.Context, localDeviceID string) error {
	pub, err := s.vault.PublicKey()
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}
	return s.dir.Publish(ctx, localDeviceID, pub)
}

// Invalidate drops the cached key for a single device. Called when a
// decrypt failure suggests the cached key is stale.
func (s *Service) Invalidate(deviceID string) {
	s.dir.Invalidate(deviceID)
}

// ClearCache drops all cached remote keys. Called on unpair.
func (s *Service) ClearCache() {
	s.dir.Clear()
}
