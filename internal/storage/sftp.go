package storage

import (
	"context"
	"fmt"
	"path"

	gssh "github.com/3cpo-dev/dflow/internal/ssh"
	"github.com/rs/zerolog/log"
)

// SFTPStore uploads objects to a directory on a storage host that the
// cluster can read from.
type SFTPStore struct {
	Client *gssh.Client
	Root   string
}

func NewSFTPStore(client *gssh.Client, root string) *SFTPStore {
	return &SFTPStore{Client: client, Root: root}
}

func (s *SFTPStore) Location() string {
	return fmt.Sprintf("sftp://%s@%s/%s", s.Client.User, s.Client.Addr, s.Root)
}

func (s *SFTPStore) Upload(ctx context.Context, localPath string) (string, error) {
	info, err := Stat(localPath)
	if err != nil {
		return "", err
	}
	key := info.Key()
	remotePath := path.Join(s.Root, key)

	cli, err := gssh.Dial(ctx, s.Client)
	if err != nil {
		return "", fmt.Errorf("connect storage host: %w", err)
	}
	defer cli.Close()

	exists, err := gssh.RemoteExists(cli, remotePath)
	if err != nil {
		return "", err
	}
	if exists {
		log.Debug().Str("key", key).Str("host", s.Client.Addr).Msg("object already stored")
		return key, nil
	}
	if err := gssh.PushFile(ctx, cli, localPath, remotePath); err != nil {
		return "", fmt.Errorf("push object: %w", err)
	}
	if err := gssh.VerifyRemoteChecksum(cli, remotePath, info.Checksum); err != nil {
		return "", err
	}
	log.Debug().Str("key", key).Str("host", s.Client.Addr).Int64("size", info.Size).Msg("stored object")
	return key, nil
}
