// Package blob stores uploaded document files on the local filesystem.
// Files live under a per-owner directory and are sharded into
// two-character subdirectories keyed by the document's content hash so a
// single directory never grows unbounded. Upload dedup is per owner, so
// two owners uploading identical bytes get independent files; deleting
// one never touches the other.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Store struct {
	root string
}

// New creates the storage root if missing and returns a Store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put writes data under the owner's directory keyed by hash and
// extension, returning the path relative to the storage root.
func (s *Store) Put(owner, hash, ext string, data []byte) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}
	if len(hash) < 2 {
		return "", fmt.Errorf("hash too short")
	}
	ext = strings.TrimPrefix(ext, ".")
	rel := filepath.Join(owner, hash[:2], hash+"."+ext)
	full := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return rel, nil
}

// Get reads the blob at the given relative path.
func (s *Store) Get(rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob at the given relative path. A missing file is
// not an error: deletes must be idempotent.
func (s *Store) Delete(rel string) error {
	err := os.Remove(filepath.Join(s.root, rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
