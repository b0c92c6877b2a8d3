package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalRunner executes commands and file operations on the orchestrating
// process's own host. It backs the engine's local target selector, used for
// capturing output to local storage.
type LocalRunner struct{}

// NewLocalRunner returns a Runner for the orchestrator host.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Name identifies the target.
func (r *LocalRunner) Name() string {
	return "localhost"
}

// Run executes a shell command locally.
func (r *LocalRunner) Run(ctx context.Context, cmd string, elevated bool) (*CmdResult, error) {
	startTime := time.Now()

	var c *exec.Cmd
	if elevated {
		c = exec.CommandContext(ctx, "sudo", "-n", "/bin/sh", "-c", cmd)
	} else {
		c = exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := &CmdResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(startTime),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &Error{Op: "exec", Host: "localhost", Err: err, Temporary: true}
	}
	return result, nil
}

// ReadFile returns the contents of a local file.
func (r *LocalRunner) ReadFile(ctx context.Context, path string, elevated bool) ([]byte, error) {
	if elevated {
		result, err := r.Run(ctx, fmt.Sprintf("cat %s", shellQuote(path)), true)
		if err != nil {
			return nil, err
		}
		if result.ExitCode != 0 {
			return nil, &Error{
				Op:   "read-file",
				Host: "localhost",
				Err:  fmt.Errorf("cat %s exited with code %d: %s", path, result.ExitCode, result.Stderr),
			}
		}
		return []byte(result.Stdout), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "read-file", Host: "localhost", Err: err}
	}
	return data, nil
}

// WriteFile writes data to a local file, creating parent directories.
func (r *LocalRunner) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode, elevated bool) error {
	if elevated {
		staging := fmt.Sprintf("%s/kubeboot-upload-%d", os.TempDir(), time.Now().UnixNano())
		if err := os.WriteFile(staging, data, 0600); err != nil {
			return &Error{Op: "write-file", Host: "localhost", Err: err}
		}
		defer os.Remove(staging)

		installCmd := fmt.Sprintf("install -D -m %04o %s %s",
			mode.Perm(), shellQuote(staging), shellQuote(path))
		result, err := r.Run(ctx, installCmd, true)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &Error{
				Op:   "write-file",
				Host: "localhost",
				Err:  fmt.Errorf("install to %s exited with code %d: %s", path, result.ExitCode, result.Stderr),
			}
		}
		return nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &Error{Op: "write-file", Host: "localhost", Err: err}
		}
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return &Error{Op: "write-file", Host: "localhost", Err: err}
	}
	return nil
}

// FileExists reports whether a local path exists.
func (r *LocalRunner) FileExists(ctx context.Context, path string, elevated bool) (bool, error) {
	if elevated {
		result, err := r.Run(ctx, fmt.Sprintf("test -e %s", shellQuote(path)), true)
		if err != nil {
			return false, err
		}
		return result.ExitCode == 0, nil
	}

	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &Error{Op: "stat", Host: "localhost", Err: err}
}

// Close is a no-op for the local runner.
func (r *LocalRunner) Close() error {
	return nil
}
