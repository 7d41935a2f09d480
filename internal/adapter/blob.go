package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalBlobStore writes artifacts under a root directory and returns a
// file:// URL. It stands in for an object store in single-node deployments.
type LocalBlobStore struct {
	Root string
}

func (s LocalBlobStore) Store(_ context.Context, path string, data []byte, _ string) (string, error) {
	full := filepath.Join(s.Root, filepath.Clean("/"+path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return "file://" + full, nil
}
