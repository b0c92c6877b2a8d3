// Package resources implements the idempotent resource controller adapters:
// package state, firewall ports, file templating, marked text blocks,
// service state, and raw commands. Every adapter exposes a pure Check and a
// re-invocable Apply; calling Apply twice with the same desired state yields
// Unchanged the second time, with the documented exception of raw commands.
package resources

import (
	"context"
	"fmt"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// Kind identifies a resource controller adapter.
type Kind string

const (
	KindPackage      Kind = "package"
	KindFirewallPort Kind = "firewall-port"
	KindFileTemplate Kind = "file-template"
	KindTextBlock    Kind = "text-block"
	KindService      Kind = "service"
	KindCommand      Kind = "raw-command"
)

// Status is the outcome of an Apply. A failed apply is reported through the
// error return, not a status value.
type Status int

const (
	// StatusUnchanged means the target was already in the desired state.
	StatusUnchanged Status = iota

	// StatusChanged means the apply step modified the target.
	StatusChanged
)

// String returns the report label for a status.
func (s Status) String() string {
	if s == StatusChanged {
		return "changed"
	}
	return "unchanged"
}

// Resource is the uniform idempotent-apply contract all adapters satisfy.
type Resource interface {
	// Kind returns the adapter kind.
	Kind() Kind

	// Check reports whether the target is already in the desired state.
	// It must not have side effects, and it must agree with Apply: when
	// Check reports in-sync, Apply is a no-op.
	Check(ctx context.Context, r transport.Runner, elevated bool) (inSync bool, err error)

	// Apply converges the target to the desired state.
	Apply(ctx context.Context, r transport.Runner, elevated bool) (Status, error)
}

// run executes a command and surfaces transport failures; a completed
// command with any exit status is returned to the caller for inspection.
func run(ctx context.Context, r transport.Runner, cmd string, elevated bool) (*transport.CmdResult, error) {
	result, err := r.Run(ctx, cmd, elevated)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runOK executes a command and treats any non-zero exit as an error.
func runOK(ctx context.Context, r transport.Runner, cmd string, elevated bool) (*transport.CmdResult, error) {
	result, err := run(ctx, r, cmd, elevated)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return result, fmt.Errorf("%q exited with code %d: %s", cmd, result.ExitCode, result.Stderr)
	}
	return result, nil
}
