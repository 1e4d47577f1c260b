package directory

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/coinstash/tether/internal/keystore"
	"github.com/coinstash/tether/internal/rowstore"
)

// fakeBackend is an in-memory directory backend that counts lookups.
type fakeBackend struct {
	entries map[string]*rowstore.DirectoryEntry
	gets    int
	puts    int
	fail    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: make(map[string]*rowstore.DirectoryEntry)}
}

func (b *fakeBackend) GetKey(_ context.Context, deviceID string) (*rowstore.DirectoryEntry, error) {
	b.gets++
	if b.fail != nil {
		return nil, b.fail
	}
	entry, ok := b.entries[deviceID]
	if !ok {
		return nil, rowstore.ErrNotFound
	}
	return entry, nil
}

func (b *fakeBackend) PutKey(_ context.Context, entry *rowstore.DirectoryEntry) error {
	b.puts++
	if b.fail != nil {
		return b.fail
	}
	b.entries[entry.DeviceID] = entry
	return nil
}

func testKey(t *testing.T) [keystore.KeySize]byte {
	t.Helper()
	kp, err := keystore.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp.PublicKey
}

func TestLookup_CachesResults(t *testing.T) {
	backend := newFakeBackend()
	key := testKey(t)
	backend.entries["dev-1"] = &rowstore.DirectoryEntry{
		DeviceID:  "dev-1",
		PublicKey: hex.EncodeToString(key[:]),
	}

	client := NewClient(backend)

	got, err := client.Lookup(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != key {
		t.Error("Lookup() returned wrong key")
	}

	// Second lookup served from cache
	if _, err := client.Lookup(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Lookup() cached error = %v", err)
	}
	if backend.gets != 1 {
		t.Errorf("backend gets = %d, want 1", backend.gets)
	}
}

func TestLookup_NotRegistered(t *testing.T) {
	client := NewClient(newFakeBackend())

	_, err := client.Lookup(context.Background(), "ghost")
	if !errors.Is(err, ErrKeyNotRegistered) {
		t.Errorf("Lookup() error = %v, want ErrKeyNotRegistered", err)
	}
}

func TestLookup_InvalidKeyLength(t *testing.T) {
	backend := newFakeBackend()
	backend.entries["dev-1"] = &rowstore.DirectoryEntry{DeviceID: "dev-1", PublicKey: "aabbcc"}
	backend.entries["dev-2"] = &rowstore.DirectoryEntry{DeviceID: "dev-2", PublicKey: "not-hex!"}

	client := NewClient(backend)

	for _, id := range []string{"dev-1", "dev-2"} {
		if _, err := client.Lookup(context.Background(), id); !errors.Is(err, ErrInvalidKeyLength) {
			t.Errorf("Lookup(%s) error = %v, want ErrInvalidKeyLength", id, err)
		}
	}
}

func TestPublish_UpsertsAndCaches(t *testing.T) {
	backend := newFakeBackend()
	client := NewClient(backend)
	key := testKey(t)

	if err := client.Publish(context.Background(), "dev-1", key); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	entry := backend.entries["dev-1"]
	if entry == nil {
		t.Fatal("entry not written")
	}
	if entry.PublicKey != hex.EncodeToString(key[:]) {
		t.Error("published key mismatch")
	}
	if entry.Fingerprint != Fingerprint(key) {
		t.Error("fingerprint mismatch")
	}

	// Lookup after publish hits the cache, not the backend
	if _, err := client.Lookup(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if backend.gets != 0 {
		t.Errorf("backend gets = %d, want 0", backend.gets)
	}

	// Rotation overwrites
	key2 := testKey(t)
	if err := client.Publish(context.Background(), "dev-1", key2); err != nil {
		t.Fatalf("Publish() rotation error = %v", err)
	}
	if backend.entries["dev-1"].PublicKey != hex.EncodeToString(key2[:]) {
		t.Error("rotation did not overwrite key")
	}
}

func TestInvalidateAndClear(t *testing.T) {
	backend := newFakeBackend()
	key := testKey(t)
	backend.entries["dev-1"] = &rowstore.DirectoryEntry{
		DeviceID:  "dev-1",
		PublicKey: hex.EncodeToString(key[:]),
	}

	client := NewClient(backend)
	client.Lookup(context.Background(), "dev-1")

	client.Invalidate("dev-1")
	client.Lookup(context.Background(), "dev-1")
	if backend.gets != 2 {
		t.Errorf("backend gets after Invalidate = %d, want 2", backend.gets)
	}

	client.Clear()
	client.Lookup(context.Background(), "dev-1")
	if backend.gets != 3 {
		t.Errorf("backend gets after Clear = %d, want 3", backend.gets)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	key := testKey(t)
	if Fingerprint(key) != Fingerprint(key) {
		t.Error("fingerprint not deterministic")
	}
	if len(Fingerprint(key)) != 16 {
		t.Errorf("fingerprint length = %d, want 16 hex chars", len(Fingerprint(key)))
	}
}
