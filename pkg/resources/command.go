package resources

import (
	"context"
	"fmt"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// CommandResource executes a shell fragment. Raw commands have no built-in
// idempotence check, so without a Creates guard the adapter reports Changed
// on every apply. Callers needing true idempotence across repeated runs must
// design the fragment to be a no-op on re-run or guard it another way, such
// as the reset-before-join step in the cluster bootstrap.
type CommandResource struct {
	// Command is the shell fragment to execute.
	Command string

	// Creates skips execution when this path already exists on the
	// target, in the manner of a creates: guard.
	Creates string

	// Sink receives the command's standard output after a successful
	// apply. Used to capture init output for the token artifact.
	Sink func(stdout string) error
}

// Kind returns the adapter kind.
func (c *CommandResource) Kind() Kind {
	return KindCommand
}

// Check consults the Creates guard. Without one, a raw command is never
// considered in sync.
func (c *CommandResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	if c.Command == "" {
		return false, fmt.Errorf("command is required")
	}
	if c.Creates == "" {
		return false, nil
	}
	return r.FileExists(ctx, c.Creates, elevated)
}

// Apply executes the command. A non-zero exit status is a failure.
func (c *CommandResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (Status, error) {
	inSync, err := c.Check(ctx, r, elevated)
	if err != nil {
		return StatusUnchanged, err
	}
	if inSync {
		return StatusUnchanged, nil
	}

	result, err := runOK(ctx, r, c.Command, elevated)
	if err != nil {
		return StatusUnchanged, err
	}

	if c.Sink != nil {
		if err := c.Sink(result.Stdout); err != nil {
			return StatusChanged, fmt.Errorf("output sink failed: %w", err)
		}
	}
	return StatusChanged, nil
}
