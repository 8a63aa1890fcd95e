package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"syscall"

	"nsvisor/internal/supervisor/container"
	"nsvisor/internal/supervisor/launcher"
	"nsvisor/internal/supervisor/observer"
	"nsvisor/internal/supervisor/plan"
	"nsvisor/internal/supervisor/portforward"
	"nsvisor/internal/supervisor/reaper"
	"nsvisor/internal/supervisor/topology"
	appErr "nsvisor/pkg/errors"

	"golang.org/x/sys/unix"
)

// world is a scripted process table shared by the fakes.
type world struct {
	events   chan reaper.Event
	pending  []reaper.Exit
	nextPid  int
	procs    map[string]*fakeProcess
	launched []launcher.Request
	fail     map[string]bool
	closed   bool
	// ignore counts how many deliveries of a signal a child survives.
	ignore map[string]map[syscall.Signal]int
	out    bytes.Buffer
}

func newWorld() *world {
	return &world{
		events:  make(chan reaper.Event, 64),
		nextPid: 100,
		procs:   make(map[string]*fakeProcess),
		fail:    make(map[string]bool),
		ignore:  make(map[string]map[syscall.Signal]int),
	}
}

func (w *world) exit(pid int, status unix.WaitStatus) {
	w.pending = append(w.pending, reaper.Exit{Pid: pid, Status: status})
	w.events <- reaper.Event{Kind: reaper.ChildExit, Signal: syscall.SIGCHLD}
}

func (w *world) send(kind reaper.EventKind, sig syscall.Signal) {
	w.events <- reaper.Event{Kind: kind, Signal: sig}
}

// Launch implements launcher.Launcher.
func (w *world) Launch(ctx context.Context, req launcher.Request) (launcher.Process, error) {
	w.launched = append(w.launched, req)
	if w.fail[req.Name] {
		return nil, appErr.Newf(appErr.SpawnFailed, "start %q: no such file or directory", req.Name)
	}
	p := &fakeProcess{w: w, pid: w.nextPid, name: req.Name}
	w.nextPid++
	w.procs[req.Name] = p
	return p, nil
}

func (w *world) launchedNames() []string {
	var out []string
	for _, r := range w.launched {
		out = append(out, r.Name)
	}
	return out
}

// Reap implements reaper.Reaper.
func (w *world) Reap() ([]reaper.Exit, error) {
	out := w.pending
	w.pending = nil
	return out, nil
}

func (w *world) Events() <-chan reaper.Event {
	return w.events
}

func (w *world) Close() {
	w.closed = true
}

type fakeProcess struct {
	w        *world
	pid      int
	name     string
	signals  []syscall.Signal
	releases int
	dead     bool
}

func (p *fakeProcess) Pid() int {
	return p.pid
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.signals = append(p.signals, sig)
	if p.dead {
		return nil
	}
	if n := p.w.ignore[p.name][sig]; n > 0 {
		p.w.ignore[p.name][sig] = n - 1
		return nil
	}
	p.dead = true
	p.w.exit(p.pid, unix.WaitStatus(sig))
	return nil
}

func (p *fakeProcess) Release() error {
	p.releases++
	return nil
}

// die makes a child exit on its own with status.
func (w *world) die(name string, pid int, status unix.WaitStatus) {
	if p, ok := w.procs[name]; ok {
		p.dead = true
	}
	w.exit(pid, status)
}

type fakeTopology struct {
	checkErr error
	buildErr error
	built    bool
	req      topology.Request
}

func (f *fakeTopology) Check() error {
	return f.checkErr
}

func (f *fakeTopology) Build(ctx context.Context, req topology.Request) (*topology.NamespaceSet, error) {
	f.req = req
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	f.built = true
	set := topology.NewNamespaceSet("/run/nsvisor", net.IPv4(172, 24, 0, 2), nil)
	for _, c := range req.Children {
		set.AddChild(c.Name, topology.ChildNamespaces{
			Net: topology.NetnsPath(set.ChildrenDir, c.IP),
			UTS: topology.UTSPath(set.ChildrenDir, c.IP),
		})
	}
	return set, nil
}

type fakeForwarder struct {
	netns    string
	ip       net.IP
	ports    []uint16
	startErr error
	starts   int
	releases int
}

func (f *fakeForwarder) Start(ctx context.Context) error {
	f.starts++
	return f.startErr
}

func (f *fakeForwarder) Release() error {
	f.releases++
	return nil
}

type harness struct {
	w   *world
	top *fakeTopology
	fwd *fakeForwarder
}

func newHarness() *harness {
	return &harness{w: newWorld(), top: &fakeTopology{}, fwd: &fakeForwarder{}}
}

func (h *harness) supervisor(p *plan.Plan) (*Supervisor, error) {
	return New(p, Deps{
		Containers: container.NewLocalStore([]container.Container{{Name: "base"}}, ""),
		Launcher:   h.w,
		Topology:   h.top,
		Forwarders: func(gatewayNetns string, bridgeIP net.IP, ports []uint16) portforward.Forwarder {
			h.fwd.netns, h.fwd.ip, h.fwd.ports = gatewayNetns, bridgeIP, ports
			return h.fwd
		},
		Events:   func() reaper.Source { return h.w },
		Reaper:   h.w,
		Observer: observer.NewStatusWriter(&h.w.out),
	})
}

func (h *harness) run(p *plan.Plan) (int, error) {
	s, err := h.supervisor(p)
	if err != nil {
		return -1, err
	}
	return s.Run(context.Background())
}

func host(name string) plan.ChildSpec {
	return plan.ChildSpec{Name: name, Container: "base", Command: []string{"/bin/" + name}}
}

func networked(name, ip string, ports ...plan.PortMapping) plan.ChildSpec {
	c := host(name)
	c.Network = &plan.NetworkConfig{IP: ip, Ports: ports}
	return c
}

func bridge(name string) plan.ChildSpec {
	c := host(name)
	c.Bridge = true
	return c
}

var errBoom = errors.New("boom")
