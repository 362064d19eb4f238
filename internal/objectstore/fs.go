package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FSStore writes artifacts under a local directory. It is meant for development and tests
// where no object storage service is available.
type FSStore struct {
	root          string
	publicBaseURL string
}

// NewFSStore creates the root directory if needed. With an empty publicBaseURL, returned URLs
// are file:// URLs.
func NewFSStore(root, publicBaseURL string) (*FSStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrFSRootRequired
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve fs root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("ensure fs root: %w", err)
	}

	return &FSStore{root: abs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Root returns the absolute root directory.
func (s *FSStore) Root() string {
	return s.root
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", &StoreError{Op: "Put", Backend: BackendFS, Bucket: s.root, Key: key, Err: err}
	}

	fullPath := filepath.Join(s.root, filepath.FromSlash(cleanKey))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", &StoreError{Op: "Put", Backend: BackendFS, Bucket: s.root, Key: cleanKey, Err: err}
	}

	// Write to a temp file and rename so readers never see a partial artifact.
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", &StoreError{Op: "Put", Backend: BackendFS, Bucket: s.root, Key: cleanKey, Err: err}
	}

	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return "", &StoreError{Op: "Put", Backend: BackendFS, Bucket: s.root, Key: cleanKey, Err: err}
	}

	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escapeKey(cleanKey), nil
	}

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(fullPath)}).String(), nil
}

// sanitizeKey normalizes a key and rejects anything that would escape the root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")

	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return cleaned, nil
}
