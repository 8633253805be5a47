package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a Transport over a single SSH connection.
type Client struct {
	config *Config
	conn   *ssh.Client
	logger zerolog.Logger
}

var _ Transport = (*Client)(nil)

// Dial connects and authenticates to the host described by cfg.
func Dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	logger = logger.With().Str("host", cfg.Address()).Str("user", cfg.User).Logger()
	logger.Debug().Msg("connecting")

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("failed to dial %s: %w", cfg.Address(), err),
			IsTemporary: true,
		}
	}

	// The handshake has no context; bound it with a deadline instead.
	_ = netConn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, cfg.Address(), clientConfig)
	if err != nil {
		netConn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("handshake with %s failed: %w", cfg.Address(), err),
			IsAuthError: isAuthError(err),
		}
	}
	_ = netConn.SetDeadline(time.Time{})

	logger.Debug().Msg("connected")
	return &Client{
		config: cfg,
		conn:   ssh.NewClient(sshConn, chans, reqs),
		logger: logger,
	}, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Run implements Transport. When ctx ends first the remote process is sent
// SIGTERM and the session is closed.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	result := &ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return nil, &TransportError{Op: "exec", Err: ctx.Err()}
	case runErr = <-done:
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")
	return result, nil
}

// Upload implements Transport over SFTP.
func (c *Client) Upload(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) (int64, error) {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to start sftp: %w", err),
			IsTemporary: true,
		}
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create directory for %s: %w", remotePath, err)}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", remotePath, err)}
	}

	n, err := copyWithContext(ctx, f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, &TransportError{Op: "upload", Err: fmt.Errorf("failed to write %s: %w", remotePath, err)}
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return n, &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod %s: %w", remotePath, err)}
	}

	c.logger.Debug().Str("path", remotePath).Int64("bytes", n).Msg("uploaded file")
	return n, nil
}

// Close implements Transport.
func (c *Client) Close() error {
	return c.conn.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
