package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// Client holds what is needed to reach a dispatcher or storage host.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	hostKeys := c.KnownHosts
	if hostKeys == nil {
		hostKeys = xssh.InsecureIgnoreHostKey() // callers pass a strict callback outside tests
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: hostKeys,
		Timeout:         c.Timeout,
	}, nil
}

// RunCommand executes a remote command with retries and linear backoff.
// A command that ran and exited non-zero is not retried.
func (c *Client) RunCommand(ctx context.Context, command string) (string, string, error) {
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := Dial(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			lastErr = err
			log.Debug().Err(err).Str("host", c.Addr).Int("attempt", attempt+1).Msg("ssh dial failed")
		} else {
			stdout, stderr, err := run(cli, command)
			_ = cli.Close()
			var exitErr *xssh.ExitError
			if err == nil || errors.As(err, &exitErr) {
				return stdout, stderr, err
			}
			lastErr = err
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return "", "", lastErr
}

func run(cli *xssh.Client, command string) (string, string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Run(command); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("run command: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Dial establishes an SSH connection using the provided client configuration.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, r.err)
		}
		return r.cli, nil
	}
}
