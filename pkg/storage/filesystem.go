package storage

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage persists payment-proof images on disk under a base directory.
// References handed back to callers are opaque relative paths.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage ensures the base directory exists and returns a handle.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./proofs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create proof directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Save writes the given bytes under the base dir and returns the reference.
func (s *LocalStorage) Save(name string, data []byte) (string, error) {
	path := s.resolve(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare proof directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write proof file: %w", err)
	}
	return name, nil
}

// SaveBase64 decodes a base64 payload (optionally a data URI) and stores it.
func (s *LocalStorage) SaveBase64(name, payload string) (string, error) {
	if idx := strings.Index(payload, ","); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode proof payload: %w", err)
	}
	return s.Save(name, data)
}

// Open returns a read-only handle for the stored reference.
func (s *LocalStorage) Open(reference string) (*os.File, error) {
	file, err := os.Open(s.resolve(reference))
	if err != nil {
		return nil, fmt.Errorf("open proof file: %w", err)
	}
	return file, nil
}

// Delete removes a stored reference if present. Best-effort by contract:
// callers treat failures as non-fatal.
func (s *LocalStorage) Delete(reference string) error {
	if err := os.Remove(s.resolve(reference)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete proof file: %w", err)
	}
	return nil
}

// Path exposes the underlying absolute path (useful for debugging).
func (s *LocalStorage) Path(reference string) string {
	return s.resolve(reference)
}

func (s *LocalStorage) resolve(reference string) string {
	if filepath.IsAbs(reference) {
		return reference
	}
	return filepath.Join(s.baseDir, reference)
}
