// Package identity provides device identity management.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// IDSize is the size of a DeviceID in bytes (128 bits)
	IDSize = 16

	// idFileName is the name of the file storing the device ID
	idFileName = "device_id"
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect
	ErrInvalidIDLength = errors.New("invalid device ID length: expected 16 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed
	ErrInvalidHexString = errors.New("invalid hex string for device ID")

	// ZeroID represents an uninitialized device ID
	ZeroID = DeviceID{}
)

// DeviceID represents a unique 128-bit identifier for a device.
// It is generated randomly using crypto/rand on first run and persisted
// to disk so the device keeps the same identity across restarts.
type DeviceID [IDSize]byte

// NewDeviceID generates a new random DeviceID using crypto/rand.
func NewDeviceID() (DeviceID, error) {
	var id DeviceID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate device ID: %w", err)
	}
	return id, nil
}

// ParseDeviceID parses a DeviceID from a hex string.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	bytes, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id DeviceID
	copy(id[:], bytes)
	return id, nil
}

// String returns the full hex representation of the DeviceID.
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (id DeviceID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero returns true if the DeviceID is uninitialized (all zeros).
func (id DeviceID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Store persists the DeviceID to the specified data directory.
func (id DeviceID) Store(dataDir string) error {
	if id.IsZero() {
		return errors.New("cannot store zero device ID")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, idFileName)

	// Write atomically by writing to temp file first
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write device ID: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist device ID: %w", err)
	}

	return nil
}

// Load reads a DeviceID from the specified data directory.
func Load(dataDir string) (DeviceID, error) {
	filePath := filepath.Join(dataDir, idFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ZeroID, fmt.Errorf("device ID not found at %s", filePath)
		}
		return ZeroID, fmt.Errorf("failed to read device ID: %w", err)
	}

	return ParseDeviceID(strings.TrimSpace(string(data)))
}

// LoadOrCreate loads an existing DeviceID from the data directory,
// or creates and persists a new one if none exists.
func LoadOrCreate(dataDir string) (DeviceID, bool, error) {
	id, err := Load(dataDir)
	if err == nil {
		return id, false, nil
	}

	if !strings.Contains(err.Error(), "not found") {
		return ZeroID, false, err
	}

	id, err = NewDeviceID()
	if err != nil {
		return ZeroID, false, err
	}

	if err := id.Store(dataDir); err != nil {
		return ZeroID, false, err
	}

	return id, true, nil
}

// Exists checks if a DeviceID file exists in the data directory.
func Exists(dataDir string) bool {
	filePath := filepath.Join(dataDir, idFileName)
	_, err := os.Stat(filePath)
	return err == nil
}
