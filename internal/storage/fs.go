package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// FSStore keeps objects under a directory shared with the cluster.
type FSStore struct {
	Root string
}

func NewFSStore(root string) *FSStore { return &FSStore{Root: root} }

func (s *FSStore) Location() string {
	if abs, err := filepath.Abs(s.Root); err == nil {
		return "fs:" + abs
	}
	return "fs:" + s.Root
}

func (s *FSStore) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.Root, filepath.FromSlash(key)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

func (s *FSStore) Upload(ctx context.Context, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := Stat(localPath)
	if err != nil {
		return "", err
	}
	key := info.Key()
	dstPath := filepath.Join(s.Root, filepath.FromSlash(key))
	if _, err := os.Stat(dstPath); err == nil {
		log.Debug().Str("key", key).Msg("object already stored")
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return "", fmt.Errorf("mkdir object dir: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	tmp := dstPath + ".part"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	log.Debug().Str("key", key).Int64("size", info.Size).Msg("stored object")
	return key, nil
}
