package resources

import (
	"context"
	"fmt"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// ServiceState is the desired running state for a service.
type ServiceState string

const (
	// ServiceStarted ensures the service is running.
	ServiceStarted ServiceState = "started"

	// ServiceStopped ensures the service is not running.
	ServiceStopped ServiceState = "stopped"

	// ServiceRestarted restarts the service unconditionally. Restart is an
	// action, not a state, so it always reports Changed; it belongs in
	// handlers rather than regular tasks.
	ServiceRestarted ServiceState = "restarted"
)

// ServiceResource ensures a systemd service is enabled and in the desired
// running state.
type ServiceResource struct {
	// Service is the systemd unit name.
	Service string

	// Enabled ensures the service starts on boot.
	Enabled bool

	// State is the desired running state (default: started).
	State ServiceState
}

// Kind returns the adapter kind.
func (s *ServiceResource) Kind() Kind {
	return KindService
}

func (s *ServiceResource) state() ServiceState {
	if s.State == "" {
		return ServiceStarted
	}
	return s.State
}

// Check reports whether the unit is already enabled and in the desired
// running state. A restart request is never in sync.
func (s *ServiceResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	if s.Service == "" {
		return false, fmt.Errorf("service name is required")
	}
	if s.state() == ServiceRestarted {
		return false, nil
	}

	active, enabled, err := s.status(ctx, r, elevated)
	if err != nil {
		return false, err
	}
	if s.Enabled && !enabled {
		return false, nil
	}
	switch s.state() {
	case ServiceStarted:
		return active, nil
	case ServiceStopped:
		return !active, nil
	default:
		return false, fmt.Errorf("invalid service state: %s", s.State)
	}
}

// Apply converges enablement and running state, issuing only the operations
// that are actually needed.
func (s *ServiceResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (Status, error) {
	if s.Service == "" {
		return StatusUnchanged, fmt.Errorf("service name is required")
	}

	if s.state() == ServiceRestarted {
		if _, err := runOK(ctx, r, fmt.Sprintf("systemctl restart %s", s.Service), elevated); err != nil {
			return StatusUnchanged, err
		}
		return StatusChanged, nil
	}

	active, enabled, err := s.status(ctx, r, elevated)
	if err != nil {
		return StatusUnchanged, err
	}

	changed := false
	if s.Enabled && !enabled {
		if _, err := runOK(ctx, r, fmt.Sprintf("systemctl enable %s", s.Service), elevated); err != nil {
			return StatusUnchanged, err
		}
		changed = true
	}

	switch s.state() {
	case ServiceStarted:
		if !active {
			if _, err := runOK(ctx, r, fmt.Sprintf("systemctl start %s", s.Service), elevated); err != nil {
				return StatusUnchanged, err
			}
			changed = true
		}
	case ServiceStopped:
		if active {
			if _, err := runOK(ctx, r, fmt.Sprintf("systemctl stop %s", s.Service), elevated); err != nil {
				return StatusUnchanged, err
			}
			changed = true
		}
	default:
		return StatusUnchanged, fmt.Errorf("invalid service state: %s", s.State)
	}

	if changed {
		return StatusChanged, nil
	}
	return StatusUnchanged, nil
}

// status queries systemd for the unit's active and enabled flags.
func (s *ServiceResource) status(ctx context.Context, r transport.Runner, elevated bool) (active, enabled bool, err error) {
	result, err := run(ctx, r, fmt.Sprintf("systemctl is-active %s", s.Service), elevated)
	if err != nil {
		return false, false, err
	}
	active = result.ExitCode == 0

	result, err = run(ctx, r, fmt.Sprintf("systemctl is-enabled %s", s.Service), elevated)
	if err != nil {
		return false, false, err
	}
	enabled = result.ExitCode == 0
	return active, enabled, nil
}
