package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
)

// SSHRunner executes commands and file operations on one remote host over a
// single SSH connection. It implements Runner.
type SSHRunner struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	isConnected bool
}

// SSHDialer opens SSH runners for inventory hosts using run-level defaults
// for anything the host entry does not override.
type SSHDialer struct {
	// User is the default remote user.
	User string

	// KeyPath is the default private key.
	KeyPath string

	// KnownHostsPath is the known_hosts file for host key verification.
	KnownHostsPath string

	// StrictHostKey rejects hosts missing from known_hosts.
	StrictHostKey bool

	// SudoPassword is the default password for elevation, empty for
	// NOPASSWD sudo.
	SudoPassword string
}

// Dial connects to the host and returns a ready Runner.
func (d *SSHDialer) Dial(ctx context.Context, host inventory.Host) (Runner, error) {
	cfg := DefaultConfig(host.Address, host.User)
	if host.Port != 0 {
		cfg.Port = host.Port
	}
	if cfg.User == "" {
		cfg.User = d.User
	}
	cfg.KeyPath = host.KeyPath
	if cfg.KeyPath == "" {
		cfg.KeyPath = d.KeyPath
	}
	if d.KnownHostsPath != "" {
		cfg.KnownHostsPath = d.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = d.StrictHostKey
	cfg.SudoPassword = d.SudoPassword

	runner, err := NewSSHRunner(cfg)
	if err != nil {
		return nil, err
	}
	if err := runner.Connect(ctx); err != nil {
		return nil, err
	}
	return runner, nil
}

// NewSSHRunner creates an SSH runner for the given configuration. Connect
// must be called before any other operation.
func NewSSHRunner(config *Config) (*SSHRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	return &SSHRunner{config: config}, nil
}

// Name identifies the target host.
func (r *SSHRunner) Name() string {
	return r.config.Host
}

// Connect establishes the SSH connection.
func (r *SSHRunner) Connect(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.isConnected && r.client != nil {
		return nil
	}

	clientConfig, err := r.config.clientConfig()
	if err != nil {
		return &Error{Op: "connect", Host: r.config.Host, Err: err}
	}

	address := r.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return &Error{Op: "connect", Host: r.config.Host, Err: ctx.Err(), Temporary: true}
	case err := <-errChan:
		return &Error{Op: "connect", Host: r.config.Host, Err: err, Temporary: true}
	case client := <-connChan:
		r.client = client
		r.isConnected = true
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close closes the SSH connection.
func (r *SSHRunner) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if !r.isConnected || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.isConnected = false
	if err != nil {
		return &Error{Op: "disconnect", Host: r.config.Host, Err: err}
	}
	return nil
}

// HealthCheck verifies the connection is alive by running a trivial command.
func (r *SSHRunner) HealthCheck(ctx context.Context) error {
	result, err := r.Run(ctx, "true", false)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &Error{
			Op:        "healthcheck",
			Host:      r.config.Host,
			Err:       fmt.Errorf("probe exited with code %d", result.ExitCode),
			Temporary: true,
		}
	}
	return nil
}

// Run executes a shell command on the remote host. A non-zero exit status is
// reported in the result, not as an error.
func (r *SSHRunner) Run(ctx context.Context, cmd string, elevated bool) (*CmdResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("host", r.config.Host).
		Str("command", cmd).
		Bool("elevated", elevated).
		Msg("executing command")

	client, err := r.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &Error{
			Op:        "exec",
			Host:      r.config.Host,
			Err:       fmt.Errorf("failed to create session: %w", err),
			Temporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	if elevated {
		if r.config.SudoPassword != "" {
			session.Stdin = strings.NewReader(r.config.SudoPassword + "\n")
			finalCmd = fmt.Sprintf("sudo -S -p '' /bin/sh -c %s", shellQuote(cmd))
		} else {
			finalCmd = fmt.Sprintf("sudo -n /bin/sh -c %s", shellQuote(cmd))
		}
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result := &CmdResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("host", r.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &Error{Op: "exec", Host: r.config.Host, Err: execErr, Temporary: true}
	}
	return result, nil
}

// FileExists reports whether a path exists on the remote host.
func (r *SSHRunner) FileExists(ctx context.Context, path string, elevated bool) (bool, error) {
	result, err := r.Run(ctx, fmt.Sprintf("test -e %s", shellQuote(path)), elevated)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// getClient returns the underlying SSH client.
func (r *SSHRunner) getClient() (*ssh.Client, error) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	if !r.isConnected || r.client == nil {
		return nil, &Error{Op: "exec", Host: r.config.Host, Err: fmt.Errorf("not connected")}
	}
	return r.client, nil
}

// shellQuote single-quotes a string for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
