package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// RemoteExists reports whether remotePath is present on the host.
func RemoteExists(client *xssh.Client, remotePath string) (bool, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return false, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if _, err := sf.Stat(remotePath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat remote: %w", err)
	}
	return true, nil
}

// VerifyRemoteChecksum compares the remote file's sha256 with expected.
func VerifyRemoteChecksum(client *xssh.Client, remotePath, expected string) error {
	stdout, _, err := run(client, fmt.Sprintf("sha256sum '%s' | cut -d' ' -f1", remotePath))
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	if got := strings.TrimSpace(stdout); got != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, got)
	}
	return nil
}
