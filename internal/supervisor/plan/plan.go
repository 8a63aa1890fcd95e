// Package plan defines the supervision plan: child specs, their network
// settings and the host-net / namespaced / bridge partition.
package plan

import (
	"fmt"
	"net"
	"sort"

	appErr "nsvisor/pkg/errors"

	"github.com/google/shlex"
)

// Mode selects the supervision policy.
type Mode string

const (
	ModeStopOnFailure     Mode = "stop-on-failure"
	ModeWaitAllSuccessful Mode = "wait-all-successful"
	ModeRestart           Mode = "restart"
)

// PortMapping forwards an external host port to a port inside a child namespace.
type PortMapping struct {
	External uint16
	Internal uint16
}

// NetworkConfig places a child into its own network and hostname namespace.
type NetworkConfig struct {
	IP       string
	Hostname string
	Ports    []PortMapping
}

// Limits are optional cgroup limits applied to one child.
type Limits struct {
	MemoryMB int64
	PIDs     int64
}

// ChildSpec describes one supervised child.
type ChildSpec struct {
	Name      string
	Container string
	Command   []string
	Network   *NetworkConfig
	Bridge    bool
	Env       map[string]string
	Limits    Limits
}

// EnvRules control the environment handed to every child.
type EnvRules struct {
	// Propagate lists variables copied from the supervisor environment.
	Propagate []string
	// Set holds variables set for every child.
	Set map[string]string
}

// Options are the raw inputs of a plan.
type Options struct {
	Description string
	Mode        Mode
	WorkDir     string
	Env         EnvRules
	Children    []ChildSpec
}

// Plan is a validated, immutable supervision plan.
type Plan struct {
	Description string
	Mode        Mode
	WorkDir     string
	Env         EnvRules
	// Children are ordered by name.
	Children []ChildSpec
	// Containers lists each referenced container once, in child order.
	Containers []string
}

// Forward is one port forward into the bridged namespace.
type Forward struct {
	External uint16
	IP       string
	Internal uint16
}

// Groups is the launch partition derived from a plan.
type Groups struct {
	HostNet    []ChildSpec
	Namespaced []ChildSpec
	Bridge     *ChildSpec
}

// New validates options and builds a plan.
func New(opts Options) (*Plan, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeStopOnFailure
	}
	if mode != ModeStopOnFailure {
		return nil, appErr.Newf(appErr.ModeUnsupported, "supervision mode %q is not supported, only %q is implemented", mode, ModeStopOnFailure)
	}
	if len(opts.Children) == 0 {
		return nil, appErr.New(appErr.PlanEmpty)
	}

	children := make([]ChildSpec, len(opts.Children))
	copy(children, opts.Children)
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Name < children[j].Name
	})

	names := make(map[string]struct{}, len(children))
	ips := make(map[string]string)
	ports := make(map[uint16]string)
	containers := make([]string, 0, len(children))
	seenContainers := make(map[string]struct{})
	bridges := 0

	for i := range children {
		child := &children[i]
		if err := validateChild(*child); err != nil {
			return nil, err
		}
		if _, ok := names[child.Name]; ok {
			return nil, appErr.Newf(appErr.DuplicateChild, "child %q is defined more than once", child.Name)
		}
		names[child.Name] = struct{}{}

		if _, ok := seenContainers[child.Container]; !ok {
			seenContainers[child.Container] = struct{}{}
			containers = append(containers, child.Container)
		}

		if child.Bridge {
			bridges++
			if bridges > 1 {
				return nil, appErr.Newf(appErr.MultipleBridges, "child %q is a second bridge", child.Name)
			}
			continue
		}
		if child.Network == nil {
			continue
		}

		netw := *child.Network
		netw.Ports = sortedPorts(netw.Ports)
		child.Network = &netw

		if owner, ok := ips[netw.IP]; ok {
			return nil, appErr.Newf(appErr.AddressConflict, "children %q and %q share ip %s", owner, child.Name, netw.IP).
				WithDetail("ip", netw.IP)
		}
		ips[netw.IP] = child.Name
		for _, p := range netw.Ports {
			if owner, ok := ports[p.External]; ok {
				return nil, appErr.Newf(appErr.PortConflict, "external port %d is forwarded by both %q and %q", p.External, owner, child.Name).
					WithDetail("port", p.External)
			}
			ports[p.External] = child.Name
		}
	}

	return &Plan{
		Description: opts.Description,
		Mode:        mode,
		WorkDir:     opts.WorkDir,
		Env:         opts.Env,
		Children:    children,
		Containers:  containers,
	}, nil
}

func validateChild(child ChildSpec) error {
	if child.Name == "" {
		return appErr.ValidationError("name", "required")
	}
	if child.Container == "" {
		return appErr.Newf(appErr.PlanInvalid, "child %q: container is required", child.Name)
	}
	if len(child.Command) == 0 || child.Command[0] == "" {
		return appErr.Newf(appErr.PlanInvalid, "child %q: command is required", child.Name)
	}
	if child.Bridge && child.Network != nil {
		return appErr.Newf(appErr.PlanInvalid, "child %q: bridge child cannot have its own network", child.Name)
	}
	if child.Network == nil {
		return nil
	}
	ip := net.ParseIP(child.Network.IP)
	if ip == nil || ip.To4() == nil {
		return appErr.Newf(appErr.PlanInvalid, "child %q: invalid ipv4 address %q", child.Name, child.Network.IP)
	}
	for _, p := range child.Network.Ports {
		if p.External == 0 || p.Internal == 0 {
			return appErr.Newf(appErr.PlanInvalid, "child %q: port mapping %d:%d is invalid", child.Name, p.External, p.Internal)
		}
	}
	return nil
}

func sortedPorts(ports []PortMapping) []PortMapping {
	out := make([]PortMapping, len(ports))
	copy(out, ports)
	sort.Slice(out, func(i, j int) bool {
		return out[i].External < out[j].External
	})
	return out
}

// Child returns the child with the given name.
func (p *Plan) Child(name string) (ChildSpec, bool) {
	for _, c := range p.Children {
		if c.Name == name {
			return c, true
		}
	}
	return ChildSpec{}, false
}

// Partition splits the plan into launch groups.
func (p *Plan) Partition() Groups {
	var g Groups
	for i := range p.Children {
		child := p.Children[i]
		switch {
		case child.Bridge:
			g.Bridge = &child
		case child.Network != nil:
			g.Namespaced = append(g.Namespaced, child)
		default:
			g.HostNet = append(g.HostNet, child)
		}
	}
	return g
}

// Networked reports whether a namespace topology is needed.
func (g Groups) Networked() bool {
	return len(g.Namespaced) > 0 || g.Bridge != nil
}

// LaunchOrder returns the namespaced phase: regular namespaced children
// first, then the bridge.
func (g Groups) LaunchOrder() []ChildSpec {
	out := make([]ChildSpec, 0, len(g.Namespaced)+1)
	out = append(out, g.Namespaced...)
	if g.Bridge != nil {
		out = append(out, *g.Bridge)
	}
	return out
}

// Forwards lists every (external, ip, internal) triple of the namespaced children.
func (g Groups) Forwards() []Forward {
	var out []Forward
	for _, child := range g.Namespaced {
		for _, p := range child.Network.Ports {
			out = append(out, Forward{External: p.External, IP: child.Network.IP, Internal: p.Internal})
		}
	}
	return out
}

// ExternalPorts lists every external port in forward order.
func (g Groups) ExternalPorts() []uint16 {
	forwards := g.Forwards()
	out := make([]uint16, 0, len(forwards))
	for _, f := range forwards {
		out = append(out, f.External)
	}
	return out
}

// Hostname returns the configured hostname, falling back to the child name.
func (c ChildSpec) Hostname() string {
	if c.Network != nil && c.Network.Hostname != "" {
		return c.Network.Hostname
	}
	return c.Name
}

// ParseCommand splits a shell-like command line into argv.
func ParseCommand(line string) ([]string, error) {
	fields, err := shlex.Split(line)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "parse command %q failed", line)
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidFormat).WithMessage("command is empty")
	}
	return fields, nil
}

func (f Forward) String() string {
	return fmt.Sprintf("%d->%s:%d", f.External, f.IP, f.Internal)
}
