package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// Store uploads local files to shared object storage and returns a key that
// the workflow engine can later resolve.
type Store interface {
	Upload(ctx context.Context, localPath string) (string, error)
	// Location identifies where objects land, e.g. "fs:/srv/objects".
	Location() string
}

// Checker is implemented by stores that can cheaply tell whether an object
// is still present.
type Checker interface {
	Contains(ctx context.Context, key string) (bool, error)
}

// FileInfo describes a local file about to be uploaded.
type FileInfo struct {
	Path     string
	Size     int64
	Checksum string
}

// Key is the content-addressed key for the file.
func (fi FileInfo) Key() string {
	return path.Join("sha256", fi.Checksum, filepath.Base(fi.Path))
}

// Stat computes size and SHA256 checksum of a local file.
func Stat(localPath string) (FileInfo, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()
	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return FileInfo{}, fmt.Errorf("hash local file: %w", err)
	}
	return FileInfo{
		Path:     localPath,
		Size:     n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
