package transport

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// ReadFile returns the contents of a remote file. Unprivileged reads go over
// SFTP; elevated reads shell out to cat because the SFTP subsystem runs as
// the login user.
func (r *SSHRunner) ReadFile(ctx context.Context, path string, elevated bool) ([]byte, error) {
	if elevated {
		result, err := r.Run(ctx, fmt.Sprintf("cat %s", shellQuote(path)), true)
		if err != nil {
			return nil, err
		}
		if result.ExitCode != 0 {
			return nil, &Error{
				Op:   "read-file",
				Host: r.config.Host,
				Err:  fmt.Errorf("cat %s exited with code %d: %s", path, result.ExitCode, result.Stderr),
			}
		}
		return []byte(result.Stdout), nil
	}

	client, err := r.sftpClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	f, err := client.Open(path)
	if err != nil {
		return nil, &Error{Op: "read-file", Host: r.config.Host, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &Error{Op: "read-file", Host: r.config.Host, Err: err}
	}
	return data, nil
}

// WriteFile writes data to a remote file with the given mode. Elevated
// writes stage the content in a temporary path over SFTP and move it into
// place with install(1) so ownership and mode land correctly.
func (r *SSHRunner) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode, elevated bool) error {
	log.Debug().
		Str("host", r.config.Host).
		Str("path", path).
		Int("bytes", len(data)).
		Bool("elevated", elevated).
		Msg("writing remote file")

	if !elevated {
		return r.writeDirect(ctx, path, data, mode)
	}

	staging := fmt.Sprintf("/tmp/kubeboot-upload-%d", time.Now().UnixNano())
	if err := r.writeDirect(ctx, staging, data, 0600); err != nil {
		return err
	}

	installCmd := fmt.Sprintf("install -D -m %04o %s %s && rm -f %s",
		mode.Perm(), shellQuote(staging), shellQuote(path), shellQuote(staging))
	result, err := r.Run(ctx, installCmd, true)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &Error{
			Op:   "write-file",
			Host: r.config.Host,
			Err:  fmt.Errorf("install to %s exited with code %d: %s", path, result.ExitCode, result.Stderr),
		}
	}
	return nil
}

// writeDirect writes a file over SFTP as the login user.
func (r *SSHRunner) writeDirect(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	client, err := r.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return &Error{Op: "write-file", Host: r.config.Host, Err: err}
		}
	}

	f, err := client.Create(path)
	if err != nil {
		return &Error{Op: "write-file", Host: r.config.Host, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &Error{Op: "write-file", Host: r.config.Host, Err: err}
	}
	if err := f.Close(); err != nil {
		return &Error{Op: "write-file", Host: r.config.Host, Err: err}
	}
	if err := client.Chmod(path, mode); err != nil {
		return &Error{Op: "write-file", Host: r.config.Host, Err: err}
	}
	return nil
}

// sftpClient opens a new SFTP session on the existing connection.
func (r *SSHRunner) sftpClient() (*sftp.Client, error) {
	sshClient, err := r.getClient()
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &Error{
			Op:        "sftp-init",
			Host:      r.config.Host,
			Err:       fmt.Errorf("failed to create SFTP client: %w", err),
			Temporary: true,
		}
	}
	return client, nil
}
