// Package launcher spawns supervised children into their namespaces.
package launcher

import (
	"context"
	"os"
	"sort"
	"syscall"

	"nsvisor/internal/supervisor/container"
	"nsvisor/internal/supervisor/initproc"
	"nsvisor/internal/supervisor/plan"
)

// Environment variables set for every child.
const (
	EnvChild        = "NSVISOR_CHILD"
	EnvWorkDir      = "NSVISOR_WORKDIR"
	EnvNamespaceDir = "NSVISOR_NAMESPACE_DIR"

	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// AssignmentKind selects the network placement of a child.
type AssignmentKind int

const (
	HostNet AssignmentKind = iota
	Bridge
	Namespaced
)

func (k AssignmentKind) String() string {
	switch k {
	case HostNet:
		return "host-net"
	case Bridge:
		return "bridge"
	case Namespaced:
		return "namespaced"
	default:
		return "unknown"
	}
}

// Assignment is the namespace placement of one child.
type Assignment struct {
	Kind AssignmentKind
	// NetPath is the network namespace to join, the bridge namespace for Bridge.
	NetPath string
	// UTSPath is the hostname namespace to join, Namespaced only.
	UTSPath string
	// NamespaceDir is exported to the bridge child.
	NamespaceDir string
}

// HostNetAssignment keeps the launcher's network and hostname namespaces.
func HostNetAssignment() Assignment {
	return Assignment{Kind: HostNet}
}

// BridgeAssignment joins the bridge network namespace.
func BridgeAssignment(bridgeNetns, namespaceDir string) Assignment {
	return Assignment{Kind: Bridge, NetPath: bridgeNetns, NamespaceDir: namespaceDir}
}

// NamespacedAssignment joins a child's own network and hostname namespaces.
func NamespacedAssignment(netPath, utsPath string) Assignment {
	return Assignment{Kind: Namespaced, NetPath: netPath, UTSPath: utsPath}
}

// Request describes one child to spawn.
type Request struct {
	RunID      string
	Name       string
	Container  container.Container
	Command    []string
	WorkDir    string
	Env        plan.EnvRules
	ChildEnv   map[string]string
	Limits     plan.Limits
	Assignment Assignment
}

// Process is a spawned child. The launcher never waits on it; the exit status
// is collected by the caller's reaper.
type Process interface {
	Pid() int
	Signal(sig syscall.Signal) error
	// Release frees the handle and per-child resources after the child was reaped.
	Release() error
}

// Launcher spawns children. Launch changes the calling thread's namespaces
// for the duration of the spawn and must run on the locked supervising thread.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Process, error)
}

// Config controls how children are spawned.
type Config struct {
	// HelperPath is the init process started in place of the command. It
	// is required with EnableNamespaces, since the process started first
	// becomes PID 1 of the child's PID namespace. Empty means the command
	// is exec'd directly without a rootfs.
	HelperPath       string
	CgroupRoot       string
	EnableNamespaces bool
	UserNamespace    bool
}

// IDMapper provides the user and group mappings of every child.
type IDMapper interface {
	Mappings() (uids, gids []syscall.SysProcIDMap)
}

// HostIDMapper maps the widest range the supervisor is allowed to: an
// identity map when running as root, otherwise the own ids to root.
type HostIDMapper struct{}

const rootMappingSize = 65536

func (HostIDMapper) Mappings() ([]syscall.SysProcIDMap, []syscall.SysProcIDMap) {
	uid, gid := os.Getuid(), os.Getgid()
	if uid == 0 {
		full := []syscall.SysProcIDMap{{ContainerID: 0, HostID: 0, Size: rootMappingSize}}
		return full, full
	}
	return []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}},
		[]syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
}

// BuildEnv assembles a child's environment: propagated variables, the shared
// set, the child's own overrides and the supervisor variables, later sources
// winning. lookup reads the supervisor environment.
func BuildEnv(req Request, lookup func(string) (string, bool)) []string {
	env := make(map[string]string)
	if lookup != nil {
		for _, key := range req.Env.Propagate {
			if val, ok := lookup(key); ok {
				env[key] = val
			}
		}
	}
	for k, v := range req.Env.Set {
		env[k] = v
	}
	for k, v := range req.ChildEnv {
		env[k] = v
	}
	env[EnvChild] = req.Name
	if req.WorkDir != "" {
		env[EnvWorkDir] = req.WorkDir
	}
	if req.Assignment.Kind == Bridge && req.Assignment.NamespaceDir != "" {
		env[EnvNamespaceDir] = req.Assignment.NamespaceDir
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = defaultPath
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func newInitRequest(req Request, env []string, privateMounts bool) initproc.Request {
	ir := initproc.Request{
		Name:           req.Name,
		RootFS:         req.Container.RootFS,
		SeccompProfile: req.Container.SeccompProfile,
		Command:        req.Command,
		Env:            env,
		WorkDir:        req.WorkDir,
		PrivateMounts:  privateMounts,
	}
	if req.Assignment.Kind == Bridge {
		ir.NamespaceDir = req.Assignment.NamespaceDir
	}
	return ir
}
