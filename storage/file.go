package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// FileStore implements a SecretStore on the local file system: one file per
// key under a base directory, files 0600 and the directory 0700. It stands
// in for platform secure storage in development and on hosts where an
// encrypted home directory is the boundary.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a file-backed secret store rooted at baseDir,
// creating the directory if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

// path maps a secret key to its file. Keys are URL-escaped so separators
// and other unsafe characters cannot traverse out of the base directory.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, url.QueryEscape(key))
}

// Save writes the value to the key's file with owner-only permissions.
func (s *FileStore) Save(_ context.Context, key string, value []byte) error {
	path := s.path(key)
	if err := os.WriteFile(path, value, 0600); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}
	s.log.Debug("Saved secret",
		slog.String("key", key),
		slog.Int("size", len(value)))
	return nil
}

// Load reads the key's file, returning ErrSecretNotFound if absent.
func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, interfaces.ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return data, nil
}

// Delete removes the key's file; deleting an absent key is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
