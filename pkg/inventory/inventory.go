// Package inventory defines the host inventory: named hosts, primitive
// groups, and derived groups built as unions of other groups.
package inventory

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Host is a single managed machine in the inventory.
type Host struct {
	// Name is the inventory name of the host, unique within the inventory.
	Name string `yaml:"-"`

	// Address is the hostname or IP address used to reach the host.
	Address string `yaml:"address" validate:"required"`

	// Port is the SSH port (default: 22).
	Port int `yaml:"port"`

	// User is the remote user to connect as.
	User string `yaml:"user"`

	// KeyPath is the path to the private key for this host. When empty the
	// run-level default key is used.
	KeyPath string `yaml:"key_path"`
}

// ID returns the identity used for duplicate collapsing in group unions.
// Two entries naming the same inventory host are the same member.
func (h Host) ID() string {
	return h.Name
}

// Group is a named set of hosts. A group lists either member host names or a
// union of other groups, never both.
type Group struct {
	Hosts []string `yaml:"hosts,omitempty"`
	Union []string `yaml:"union,omitempty"`
}

// Inventory holds all hosts and group definitions for a run. It is loaded
// once and never mutated afterwards, so resolution is deterministic for the
// whole run.
type Inventory struct {
	Hosts  map[string]Host  `yaml:"hosts" validate:"required,min=1,dive"`
	Groups map[string]Group `yaml:"groups" validate:"required,min=1"`
}

// UnknownGroupError reports a group name with no definition.
type UnknownGroupError struct {
	Group string
}

func (e *UnknownGroupError) Error() string {
	return fmt.Sprintf("unknown host group: %q", e.Group)
}

// Load reads and validates an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Parse parses inventory YAML and validates it.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	if err := validator.New().Struct(&inv); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	// Propagate map keys into the host entries and apply defaults.
	for name, h := range inv.Hosts {
		h.Name = name
		if h.Port == 0 {
			h.Port = 22
		}
		inv.Hosts[name] = h
	}

	if err := inv.check(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// check verifies that every group member and union constituent is defined.
func (inv *Inventory) check() error {
	for name, g := range inv.Groups {
		if len(g.Hosts) > 0 && len(g.Union) > 0 {
			return fmt.Errorf("group %q declares both hosts and union", name)
		}
		for _, hn := range g.Hosts {
			if _, ok := inv.Hosts[hn]; !ok {
				return fmt.Errorf("group %q references unknown host %q", name, hn)
			}
		}
		for _, gn := range g.Union {
			if _, ok := inv.Groups[gn]; !ok {
				return &UnknownGroupError{Group: gn}
			}
		}
	}
	return nil
}

// Resolve returns the hosts belonging to the named group. A host is a member
// of a derived group iff it is a member of at least one constituent group;
// duplicates are collapsed by host identity. The result is sorted by host
// name so resolution order is stable across runs.
func (inv *Inventory) Resolve(group string) ([]Host, error) {
	seen := make(map[string]struct{})
	hosts, err := inv.resolve(group, seen, make(map[string]struct{}))
	if err != nil {
		return nil, err
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}

func (inv *Inventory) resolve(group string, seen, visiting map[string]struct{}) ([]Host, error) {
	g, ok := inv.Groups[group]
	if !ok {
		return nil, &UnknownGroupError{Group: group}
	}
	if _, ok := visiting[group]; ok {
		return nil, fmt.Errorf("group union cycle through %q", group)
	}
	visiting[group] = struct{}{}
	defer delete(visiting, group)

	var hosts []Host
	for _, hn := range g.Hosts {
		h := inv.Hosts[hn]
		if _, dup := seen[h.ID()]; dup {
			continue
		}
		seen[h.ID()] = struct{}{}
		hosts = append(hosts, h)
	}
	for _, gn := range g.Union {
		sub, err := inv.resolve(gn, seen, visiting)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, sub...)
	}
	return hosts, nil
}
