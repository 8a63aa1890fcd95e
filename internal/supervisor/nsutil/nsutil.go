// Package nsutil holds the namespace file primitives used by the topology
// builder and the launcher.
//
// Network and hostname namespaces are per thread in Linux. Every function that
// changes the calling thread's namespaces must run on a goroutine that has
// called runtime.LockOSThread and never unlocks it.
package nsutil

// Kind is a namespace type.
type Kind string

const (
	Net   Kind = "net"
	UTS   Kind = "uts"
	Mount Kind = "mnt"
	IPC   Kind = "ipc"
	PID   Kind = "pid"
)

func (k Kind) String() string {
	return string(k)
}
