// Package directory provides cached lookups against the remote public
// key directory. The directory is keyed by device identity; a device
// has at most one active entry (last write wins).
package directory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/coinstash/tether/internal/keystore"
	"github.com/coinstash/tether/internal/rowstore"
)

var (
	// ErrKeyNotRegistered is returned when a device has no directory
	// entry. The counterpart has not completed key exchange; re-pairing
	// refreshes the entry.
	ErrKeyNotRegistered = errors.New("directory: key not yet registered, re-pair to exchange keys")

	// ErrInvalidKeyLength is returned when a directory entry holds a
	// key of the wrong size.
	ErrInvalidKeyLength = errors.New("directory: invalid public key length")
)

// Backend is the remote store the directory reads and writes.
type Backend interface {
	GetKey(ctx context.Context, deviceID string) (*rowstore.DirectoryEntry, error)
	PutKey(ctx context.Context, entry *rowstore.DirectoryEntry) error
}

// Client is a caching key directory client.
type Client struct {
	backend Backend

	mu    sync.RWMutex
	cache map[string][keystore.KeySize]byte
}

// NewClient creates a directory client over the given backend.
func NewClient(backend Backend) *Client {
	return &Client{
		backend: backend,
		cache:   make(map[string][keystore.KeySize]byte),
	}
}

// Lookup returns the public key for a device, from cache when possible.
func (c *Client) Lookup(ctx context.Context, deviceID string) ([keystore.KeySize]byte, error) {
	c.mu.RLock()
	key, ok := c.cache[deviceID]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	entry, err := c.backend.GetKey(ctx, deviceID)
	if err != nil {
		if errors.Is(err, rowstore.ErrNotFound) {
			return key, ErrKeyNotRegistered
		}
		return key, fmt.Errorf("directory lookup for %s: %w", deviceID, err)
	}

	raw, err := hex.DecodeString(entry.PublicKey)
	if err != nil {
		return key, fmt.Errorf("%w: not hex", ErrInvalidKeyLength)
	}
	if len(raw) != keystore.KeySize {
		return key, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(raw))
	}

	copy(key[:], raw)

	c.mu.Lock()
	c.cache[deviceID] = key
	c.mu.Unlock()

	return key, nil
}

// Publish upserts the directory entry for a device, overwriting any
// previous key. Used for initial registration and key rotation.
func (c *Client) Publish(ctx context.Context, deviceID string, publicKey [keystore.KeySize]byte) error {
	entry := &rowstore.DirectoryEntry{
		DeviceID:    deviceID,
		PublicKey:   hex.EncodeToString(publicKey[:]),
		Fingerprint: Fingerprint(publicKey),
	}
	if err := c.backend.PutKey(ctx, entry); err != nil {
		return fmt.Errorf("directory publish for %s: %w", deviceID, err)
	}

	c.mu.Lock()
	c.cache[deviceID] = publicKey
	c.mu.Unlock()

	return nil
}

// Invalidate drops a single cached entry. Called when a decrypt failure
// suggests a stale key.
func (c *Client) Invalidate(deviceID string) {
	c.mu.Lock()
	delete(c.cache, deviceID)
	c.mu.Unlock()
}

// Clear drops the whole cache. Called on unpair.
func (c *Client) Clear() {
	c.mu.Lock()
	c.cache = make(map[string][keystore.KeySize]byte)
	c.mu.Unlock()
}

// Fingerprint derives a short human-comparable fingerprint from a
// public key: the first 8 bytes of its SHA-256, hex encoded.
func Fingerprint(publicKey [keystore.KeySize]byte) string {
	sum := sha256.Sum256(publicKey[:])
	return hex.EncodeToString(sum[:8])
}
