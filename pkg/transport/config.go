package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH connection settings for one host.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// KeyPath is the path to the private key file. When empty, the default
	// key locations under ~/.ssh are tried.
	KeyPath string

	// KeyPassphrase is the passphrase for an encrypted private key.
	KeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file used for host key
	// verification.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from known_hosts. When
	// false, host keys are not verified.
	StrictHostKeyChecking bool

	// SudoPassword is piped to sudo when elevation requires a password.
	// Empty assumes NOPASSWD sudo.
	SudoPassword string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults for a host.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.KeyPath == "" {
		homeDir := os.Getenv("HOME")
		defaultKeys := []string{
			filepath.Join(homeDir, ".ssh", "id_ed25519"),
			filepath.Join(homeDir, ".ssh", "id_rsa"),
			filepath.Join(homeDir, ".ssh", "id_ecdsa"),
		}
		for _, keyPath := range defaultKeys {
			if _, err := os.Stat(keyPath); err == nil {
				c.KeyPath = keyPath
				break
			}
		}
		if c.KeyPath == "" {
			return fmt.Errorf("no private key configured and no default key found")
		}
	}
	if _, err := os.Stat(c.KeyPath); os.IsNotExist(err) {
		return fmt.Errorf("private key file not found: %s", c.KeyPath)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// clientConfig builds the ssh.ClientConfig for this host.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if c.KeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.KeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
