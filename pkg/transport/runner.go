// Package transport abstracts "run this command or file operation on a
// target host, optionally elevated". The SSH runner drives remote hosts;
// the local runner drives the orchestrating process's own host.
package transport

import (
	"context"
	"io/fs"
	"time"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
)

// CmdResult is the outcome of a completed command execution. A command that
// ran to completion with a non-zero exit status is reported here, not as an
// error; errors are reserved for transport-level failures (connection loss,
// context cancellation).
type CmdResult struct {
	// Stdout is the trimmed standard output of the command.
	Stdout string

	// Stderr is the trimmed standard error of the command.
	Stderr string

	// ExitCode is the command's exit status.
	ExitCode int

	// Duration is the total execution time.
	Duration time.Duration
}

// Runner executes commands and file operations against one target host.
// Implementations must be safe for sequential use; the engine never issues
// concurrent calls against the same runner.
type Runner interface {
	// Name identifies the target host in logs and reports.
	Name() string

	// Run executes a shell command. When elevated is true the command runs
	// with escalated privileges on the target.
	Run(ctx context.Context, cmd string, elevated bool) (*CmdResult, error)

	// ReadFile returns the contents of a file on the target.
	ReadFile(ctx context.Context, path string, elevated bool) ([]byte, error)

	// WriteFile writes data to a file on the target with the given mode,
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode, elevated bool) error

	// FileExists reports whether a path exists on the target.
	FileExists(ctx context.Context, path string, elevated bool) (bool, error)

	// Close releases the underlying connection, if any.
	Close() error
}

// Dialer opens a Runner for an inventory host.
type Dialer interface {
	Dial(ctx context.Context, host inventory.Host) (Runner, error)
}

// Error represents a failure in the transport layer.
type Error struct {
	// Op is the operation that failed (e.g. "connect", "exec", "write-file").
	Op string

	// Host is the target host.
	Host string

	// Err is the underlying error.
	Err error

	// Temporary indicates the failure may clear on its own.
	Temporary bool
}

func (e *Error) Error() string {
	return e.Op + " " + e.Host + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
