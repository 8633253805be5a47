// Package ssh runs commands and uploads files on remote hosts as engine
// tasks. A task connects, performs one operation, and disconnects; the
// operation runs in the background while the engine polls for its result.
package ssh

import (
	"context"
	"io"
	"os"
	"time"
)

// Transport is a connection to one remote host.
type Transport interface {
	// Run executes cmd and waits for it to exit. A non-zero exit code is
	// reported in the result, not as an error.
	Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error)

	// Upload writes the contents of r to remotePath, creating parent
	// directories, and returns the number of bytes written.
	Upload(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) (int64, error)

	// Close releases the connection.
	Close() error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	StartedAt time.Time
	Duration  time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (connect, exec, upload).
	Op string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
