package resources

import (
	"context"
	"fmt"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// FirewallPortResource opens or closes a port or port range in firewalld.
// The immediate (runtime) and permanent rulesets are always converged
// together; setting only one drifts on reboot.
type FirewallPortResource struct {
	// Port is a single port ("6443") or a range ("2379-2380").
	Port string

	// Protocol is "tcp" or "udp" (default: tcp).
	Protocol string

	// Enabled opens the port when true and closes it when false.
	Enabled bool
}

// Kind returns the adapter kind.
func (f *FirewallPortResource) Kind() Kind {
	return KindFirewallPort
}

func (f *FirewallPortResource) portSpec() string {
	proto := f.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%s/%s", f.Port, proto)
}

// Check reports whether both the runtime and permanent rulesets already
// match the desired state.
func (f *FirewallPortResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	if f.Port == "" {
		return false, fmt.Errorf("port is required")
	}

	runtime, err := f.queryPort(ctx, r, elevated, false)
	if err != nil {
		return false, err
	}
	permanent, err := f.queryPort(ctx, r, elevated, true)
	if err != nil {
		return false, err
	}
	return runtime == f.Enabled && permanent == f.Enabled, nil
}

// Apply converges whichever of the two rulesets is out of sync.
func (f *FirewallPortResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (Status, error) {
	if f.Port == "" {
		return StatusUnchanged, fmt.Errorf("port is required")
	}

	verb := "--add-port"
	if !f.Enabled {
		verb = "--remove-port"
	}

	changed := false
	for _, permanent := range []bool{false, true} {
		current, err := f.queryPort(ctx, r, elevated, permanent)
		if err != nil {
			return StatusUnchanged, err
		}
		if current == f.Enabled {
			continue
		}
		cmd := fmt.Sprintf("firewall-cmd %s=%s", verb, f.portSpec())
		if permanent {
			cmd = fmt.Sprintf("firewall-cmd --permanent %s=%s", verb, f.portSpec())
		}
		if _, err := runOK(ctx, r, cmd, elevated); err != nil {
			return StatusUnchanged, err
		}
		changed = true
	}

	if changed {
		return StatusChanged, nil
	}
	return StatusUnchanged, nil
}

// queryPort reports whether the port is open in the given ruleset.
// firewall-cmd exits 1 from --query-port when the port is closed.
func (f *FirewallPortResource) queryPort(ctx context.Context, r transport.Runner, elevated, permanent bool) (bool, error) {
	cmd := fmt.Sprintf("firewall-cmd --query-port=%s", f.portSpec())
	if permanent {
		cmd = fmt.Sprintf("firewall-cmd --permanent --query-port=%s", f.portSpec())
	}
	result, err := run(ctx, r, cmd, elevated)
	if err != nil {
		return false, err
	}
	switch result.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("firewall query exited with code %d: %s", result.ExitCode, result.Stderr)
	}
}
