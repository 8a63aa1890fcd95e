// Package topology builds the namespace layout of one supervision run: the
// run-scoped namespace storage, the bridge network namespace and one network
// plus hostname namespace per namespaced child.
package topology

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"nsvisor/internal/supervisor/nsutil"
	"nsvisor/internal/supervisor/plan"
	appErr "nsvisor/pkg/errors"
)

const (
	gatewayNetnsFile = "netns"
	childrenDirName  = "children"
	bridgeNetnsFile  = "bridge"

	defaultTmpfsSize    = "10m"
	defaultBridgeDevice = "children"
	defaultBridgeCIDR   = "172.23.255.254/16"
	defaultUplinkCIDR   = "172.24.0.0/30"

	uplinkName = "uplink"
)

// Config controls topology construction.
type Config struct {
	GatewayDir   string
	TmpfsSize    string
	BridgeDevice string
	// BridgeCIDR is the bridge device address; children use its prefix and
	// route through it.
	BridgeCIDR string
	// UplinkCIDR is a /30 linking the gateway and bridge namespaces.
	UplinkCIDR string
	// GatewayLink names the gateway side of the uplink veth.
	GatewayLink string
}

// ChildNetwork is one namespaced child as seen by the builder.
type ChildNetwork struct {
	Name     string
	IP       string
	Hostname string
}

// Request lists what a run needs from the topology.
type Request struct {
	Children []ChildNetwork
	Forwards []plan.Forward
	// BridgeName is the bridge child's name, empty when the plan has none.
	BridgeName string
}

// ChildNamespaces are the persisted namespace files of one child.
type ChildNamespaces struct {
	Net string
	UTS string
}

// Topology builds a NamespaceSet. Check runs before any child is spawned.
type Topology interface {
	Check() error
	Build(ctx context.Context, req Request) (*NamespaceSet, error)
}

// NamespaceSet is a ready topology. The caller owns it and must Release it
// once every child has exited.
type NamespaceSet struct {
	GatewayDir  string
	ChildrenDir string
	BridgeNetns string
	// BridgeIP is the bridge end of the uplink, the target of host forwards.
	BridgeIP net.IP

	children map[string]ChildNamespaces
	storage  *Storage
}

// NewNamespaceSet assembles a set from already created namespaces.
func NewNamespaceSet(gatewayDir string, bridgeIP net.IP, storage *Storage) *NamespaceSet {
	childrenDir := ChildrenDir(gatewayDir)
	return &NamespaceSet{
		GatewayDir:  gatewayDir,
		ChildrenDir: childrenDir,
		BridgeNetns: filepath.Join(childrenDir, bridgeNetnsFile),
		BridgeIP:    bridgeIP,
		children:    make(map[string]ChildNamespaces),
		storage:     storage,
	}
}

// AddChild records the namespaces of a child.
func (s *NamespaceSet) AddChild(name string, ns ChildNamespaces) {
	s.children[name] = ns
}

// Child returns the namespaces created for a child.
func (s *NamespaceSet) Child(name string) (ChildNamespaces, bool) {
	ns, ok := s.children[name]
	return ns, ok
}

// GatewayNetns is the long-lived gateway network namespace file.
func (s *NamespaceSet) GatewayNetns() string {
	return GatewayNetns(s.GatewayDir)
}

// Release tears down the run-scoped namespace storage. It is idempotent.
func (s *NamespaceSet) Release() error {
	if s == nil || s.storage == nil {
		return nil
	}
	return s.storage.Release()
}

// GatewayNetns returns the gateway namespace file under dir.
func GatewayNetns(dir string) string {
	return filepath.Join(dir, gatewayNetnsFile)
}

// ChildrenDir returns the run-scoped storage directory under dir.
func ChildrenDir(dir string) string {
	return filepath.Join(dir, childrenDirName)
}

// NetnsPath is the network namespace file of the child with the given ip.
func NetnsPath(childrenDir, ip string) string {
	return filepath.Join(childrenDir, "net."+ip)
}

// UTSPath is the hostname namespace file of the child with the given ip.
func UTSPath(childrenDir, ip string) string {
	return filepath.Join(childrenDir, "uts."+ip)
}

// IsSetUp reports whether the one-time gateway network setup has been done.
func IsSetUp(gatewayDir string) bool {
	if gatewayDir == "" {
		return false
	}
	if _, err := os.Stat(gatewayDir); err != nil {
		return false
	}
	return nsutil.IsNamespace(GatewayNetns(gatewayDir))
}

// ErrNotSetUp is returned when the gateway namespaces are missing.
func ErrNotSetUp(gatewayDir string) error {
	return appErr.Newf(appErr.NetworkNotSetUp,
		"network namespace is not set up in %s, run the network setup command first", gatewayDir).
		WithDetail("gateway_dir", gatewayDir)
}

// Check fails with NetworkNotSetUp when the gateway is missing.
func (b *Builder) Check() error {
	if !IsSetUp(b.cfg.GatewayDir) {
		return ErrNotSetUp(b.cfg.GatewayDir)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.TmpfsSize == "" {
		c.TmpfsSize = defaultTmpfsSize
	}
	if c.BridgeDevice == "" {
		c.BridgeDevice = defaultBridgeDevice
	}
	if c.BridgeCIDR == "" {
		c.BridgeCIDR = defaultBridgeCIDR
	}
	if c.UplinkCIDR == "" {
		c.UplinkCIDR = defaultUplinkCIDR
	}
	if c.GatewayLink == "" {
		c.GatewayLink = "nsv-" + c.BridgeDevice
		if len(c.GatewayLink) > 15 {
			c.GatewayLink = c.GatewayLink[:15]
		}
	}
	return c
}

// uplinkAddrs returns the gateway and bridge ends of the uplink /30.
func uplinkAddrs(cidr string) (gateway, bridge *net.IPNet, err error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, nil, appErr.Wrapf(err, appErr.ConfigInvalid, "invalid uplink cidr %q", cidr)
	}
	base := network.IP.To4()
	if base == nil {
		return nil, nil, appErr.Newf(appErr.ConfigInvalid, "uplink cidr %q is not ipv4", cidr)
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return nil, nil, appErr.Newf(appErr.ConfigInvalid, "uplink cidr %q has no room for two hosts", cidr)
	}
	n := binary.BigEndian.Uint32(base)
	gw := make(net.IP, 4)
	br := make(net.IP, 4)
	binary.BigEndian.PutUint32(gw, n+1)
	binary.BigEndian.PutUint32(br, n+2)
	return &net.IPNet{IP: gw, Mask: network.Mask}, &net.IPNet{IP: br, Mask: network.Mask}, nil
}

// childAddr places ip inside the bridge subnet.
func childAddr(ip string, bridge *net.IPNet) (*net.IPNet, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return nil, appErr.Newf(appErr.PlanInvalid, "invalid child ip %q", ip)
	}
	if !bridge.Contains(parsed) {
		return nil, appErr.Newf(appErr.PlanInvalid, "child ip %s is outside bridge network %s", ip, bridge.String())
	}
	return &net.IPNet{IP: parsed, Mask: bridge.Mask}, nil
}

// dnatArgs are the bridge namespace rules mapping an external port to a child.
func dnatArgs(action string, f plan.Forward) []string {
	return []string{
		"-w", "-t", "nat", action, "PREROUTING",
		"-i", uplinkName, "-p", "tcp", "--dport", fmt.Sprint(f.External),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", f.IP, f.Internal),
	}
}

func vethNames(idx int) (host, peer string) {
	return fmt.Sprintf("vch%d", idx), fmt.Sprintf("vcp%d", idx)
}
