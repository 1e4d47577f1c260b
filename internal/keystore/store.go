// Package keystore provides secure on-device storage for key material
// and pairing state. The Store interface abstracts the OS-protected
// string key-value store; FileStore is the file-backed implementation
// used on servers and developer machines.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("keystore: key not found")

// Store is a string key-value store with at-rest protection.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// keyNameRegex restricts store keys to a safe filename alphabet.
var keyNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// FileStore stores values as individual files under a 0700 directory,
// each written atomically with mode 0600.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *FileStore) Get(key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), nil
}

// Set stores value under key, overwriting any previous value.
// The write is atomic (temp file then rename).
func (s *FileStore) Set(key, value string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(value), 0600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting a missing key is
// not an error.
func (s *FileStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) (string, error) {
	if !keyNameRegex.MatchString(key) {
		return "", fmt.Errorf("invalid keystore key: %q", key)
	}
	return filepath.Join(s.dir, key), nil
}
