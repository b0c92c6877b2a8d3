package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// PackageState is the desired state for a package set.
type PackageState string

const (
	// PackagePresent installs the packages if missing.
	PackagePresent PackageState = "present"

	// PackageLatest installs or upgrades the packages to the newest
	// available version.
	PackageLatest PackageState = "latest"

	// PackageHeld installs the packages and locks their version so
	// routine upgrades do not move them.
	PackageHeld PackageState = "held"
)

// PackageResource ensures a named package set is installed, upgraded, or
// version-locked via the system package manager.
type PackageResource struct {
	// Names is the package set to manage.
	Names []string

	// State is the desired package state (default: present).
	State PackageState
}

// Kind returns the adapter kind.
func (p *PackageResource) Kind() Kind {
	return KindPackage
}

func (p *PackageResource) state() PackageState {
	if p.State == "" {
		return PackagePresent
	}
	return p.State
}

// Check reports whether every package is already in the desired state.
func (p *PackageResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	if len(p.Names) == 0 {
		return false, fmt.Errorf("package names are required")
	}

	installed, err := p.allInstalled(ctx, r, elevated)
	if err != nil {
		return false, err
	}
	if !installed {
		return false, nil
	}

	switch p.state() {
	case PackagePresent:
		return true, nil
	case PackageLatest:
		// check-update exits 100 when newer versions are available.
		result, err := run(ctx, r, fmt.Sprintf("dnf -q check-update %s", strings.Join(p.Names, " ")), elevated)
		if err != nil {
			return false, err
		}
		if result.ExitCode != 0 && result.ExitCode != 100 {
			return false, fmt.Errorf("check-update exited with code %d: %s", result.ExitCode, result.Stderr)
		}
		return result.ExitCode == 0, nil
	case PackageHeld:
		result, err := runOK(ctx, r, "dnf versionlock list", elevated)
		if err != nil {
			return false, err
		}
		for _, name := range p.Names {
			if !strings.Contains(result.Stdout, name) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("invalid package state: %s", p.State)
	}
}

// Apply converges the package set.
func (p *PackageResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (Status, error) {
	inSync, err := p.Check(ctx, r, elevated)
	if err != nil {
		return StatusUnchanged, err
	}
	if inSync {
		return StatusUnchanged, nil
	}

	names := strings.Join(p.Names, " ")
	switch p.state() {
	case PackagePresent:
		if _, err := runOK(ctx, r, fmt.Sprintf("dnf install -y %s", names), elevated); err != nil {
			return StatusUnchanged, err
		}
	case PackageLatest:
		if _, err := runOK(ctx, r, fmt.Sprintf("dnf install -y %s && dnf upgrade -y %s", names, names), elevated); err != nil {
			return StatusUnchanged, err
		}
	case PackageHeld:
		cmd := fmt.Sprintf("dnf install -y %s && dnf versionlock add %s", names, names)
		if _, err := runOK(ctx, r, cmd, elevated); err != nil {
			return StatusUnchanged, err
		}
	}
	return StatusChanged, nil
}

// allInstalled reports whether every package in the set is installed.
func (p *PackageResource) allInstalled(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	for _, name := range p.Names {
		result, err := run(ctx, r, fmt.Sprintf("rpm -q %s", name), elevated)
		if err != nil {
			return false, err
		}
		if result.ExitCode != 0 {
			return false, nil
		}
	}
	return true, nil
}
