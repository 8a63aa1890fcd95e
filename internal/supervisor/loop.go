package supervisor

import (
	"context"
	"sort"
	"syscall"

	"nsvisor/internal/supervisor/container"
	"nsvisor/internal/supervisor/launcher"
	"nsvisor/internal/supervisor/plan"
	"nsvisor/internal/supervisor/portforward"
	"nsvisor/internal/supervisor/reaper"
	"nsvisor/internal/supervisor/topology"
	appErr "nsvisor/pkg/errors"
	"nsvisor/pkg/utils/contextkey"
	"nsvisor/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InterruptCode is returned when the run was ended by SIGINT or SIGTERM.
const InterruptCode = 128 + int(syscall.SIGINT)

type state int

const (
	stateRunning state = iota
	stateDraining
)

type runningChild struct {
	name string
	proc launcher.Process
}

type run struct {
	s       *Supervisor
	runID   string
	tracked map[int]*runningChild
	state   state
	code    int
}

func (s *Supervisor) run(ctx context.Context) (int, error) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, contextkey.RunID, runID)
	groups := s.plan.Partition()
	logger.Debug(ctx, "children classified",
		zap.Int("host_net", len(groups.HostNet)),
		zap.Int("namespaced", len(groups.Namespaced)),
		zap.Bool("bridge", groups.Bridge != nil),
	)

	if groups.Networked() {
		if err := s.deps.Topology.Check(); err != nil {
			return appErr.ExitCode(err), err
		}
	}
	containers, err := s.buildContainers(ctx)
	if err != nil {
		return appErr.ExitCode(err), err
	}

	events := s.deps.Events()
	defer events.Close()

	r := &run{s: s, runID: runID, tracked: make(map[int]*runningChild)}
	failed := false
	for _, child := range groups.HostNet {
		if !r.launch(ctx, child, containers[child.Container], launcher.HostNetAssignment()) {
			failed = true
		}
	}

	var runErr error
	if groups.Networked() {
		set, err := s.deps.Topology.Build(ctx, topologyRequest(groups))
		if err != nil {
			logger.Error(ctx, "namespace topology failed", zap.Error(err))
			r.skip(ctx, groups.LaunchOrder(), err)
			failed, runErr = true, err
		} else {
			defer releaseSet(ctx, set)
			guard := s.deps.Forwarders(set.GatewayNetns(), set.BridgeIP, groups.ExternalPorts())
			defer releaseGuard(ctx, guard)
			if err := guard.Start(ctx); err != nil {
				logger.Error(ctx, "port forwarding failed", zap.Error(err))
				r.skip(ctx, groups.LaunchOrder(), err)
				failed, runErr = true, err
			} else {
				for _, child := range groups.LaunchOrder() {
					if !r.launch(ctx, child, containers[child.Container], assignmentFor(child, set)) {
						failed = true
					}
				}
			}
		}
	}

	if failed {
		r.code = LaunchFailureCode
		r.stop(ctx, syscall.SIGTERM)
	}
	r.loop(ctx, events)
	logger.Info(ctx, "all children exited", zap.Int("code", r.code))
	return r.code, runErr
}

func (s *Supervisor) buildContainers(ctx context.Context) (map[string]container.Container, error) {
	out := make(map[string]container.Container, len(s.plan.Containers))
	for _, name := range s.plan.Containers {
		c, err := s.deps.Containers.Build(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

func topologyRequest(groups plan.Groups) topology.Request {
	req := topology.Request{Forwards: groups.Forwards()}
	for _, child := range groups.Namespaced {
		req.Children = append(req.Children, topology.ChildNetwork{
			Name:     child.Name,
			IP:       child.Network.IP,
			Hostname: child.Network.Hostname,
		})
	}
	if groups.Bridge != nil {
		req.BridgeName = groups.Bridge.Name
	}
	return req
}

func assignmentFor(child plan.ChildSpec, set *topology.NamespaceSet) launcher.Assignment {
	if child.Bridge {
		return launcher.BridgeAssignment(set.BridgeNetns, set.ChildrenDir)
	}
	ns, _ := set.Child(child.Name)
	return launcher.NamespacedAssignment(ns.Net, ns.UTS)
}

func releaseSet(ctx context.Context, set *topology.NamespaceSet) {
	if err := set.Release(); err != nil {
		logger.Warn(ctx, "release namespace storage failed", zap.Error(err))
	}
}

func releaseGuard(ctx context.Context, guard portforward.Forwarder) {
	if err := guard.Release(); err != nil {
		logger.Warn(ctx, "release port forwarding failed", zap.Error(err))
	}
}

// launch reports whether the child was started.
func (r *run) launch(ctx context.Context, child plan.ChildSpec, c container.Container, a launcher.Assignment) bool {
	proc, err := r.s.deps.Launcher.Launch(context.WithValue(ctx, contextkey.Child, child.Name), launcher.Request{
		RunID:      r.runID,
		Name:       child.Name,
		Container:  c,
		Command:    child.Command,
		WorkDir:    r.s.plan.WorkDir,
		Env:        r.s.plan.Env,
		ChildEnv:   child.Env,
		Limits:     child.Limits,
		Assignment: a,
	})
	if err != nil {
		r.s.deps.Observer.LaunchFailed(ctx, child.Name, err)
		return false
	}
	r.tracked[proc.Pid()] = &runningChild{name: child.Name, proc: proc}
	return true
}

func (r *run) skip(ctx context.Context, children []plan.ChildSpec, err error) {
	for _, child := range children {
		r.s.deps.Observer.LaunchFailed(ctx, child.Name, err)
	}
}

// stop signals every tracked child and switches to draining.
func (r *run) stop(ctx context.Context, sig syscall.Signal) {
	r.state = stateDraining
	r.signalAll(ctx, sig)
}

func (r *run) signalAll(ctx context.Context, sig syscall.Signal) {
	pids := make([]int, 0, len(r.tracked))
	for pid := range r.tracked {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		child := r.tracked[pid]
		if err := child.proc.Signal(sig); err != nil {
			logger.Warn(ctx, "signal child failed",
				zap.String("child", child.name), zap.Int("pid", pid), zap.Error(err))
		}
	}
}

func (r *run) loop(ctx context.Context, events reaper.Source) {
	for len(r.tracked) > 0 {
		ev := <-events.Events()
		switch ev.Kind {
		case reaper.Interrupt:
			if r.state != stateRunning {
				continue
			}
			r.code = InterruptCode
			r.s.deps.Observer.SignalReceived(ctx, ev.Signal)
			// Children lead their own process groups, so a terminal
			// interrupt does not reach them.
			r.stop(ctx, syscall.SIGINT)
		case reaper.Terminate:
			if r.state == stateRunning {
				r.code = InterruptCode
				r.s.deps.Observer.SignalReceived(ctx, ev.Signal)
			}
			r.stop(ctx, syscall.SIGTERM)
		case reaper.ChildExit:
			r.sweep(ctx)
		}
	}
}

func (r *run) sweep(ctx context.Context) {
	exits, err := r.s.deps.Reaper.Reap()
	if err != nil {
		logger.Warn(ctx, "reap children failed", zap.Error(err))
	}
	first := r.state == stateRunning
	reported := false
	for _, exit := range exits {
		child, ok := r.tracked[exit.Pid]
		if !ok {
			continue
		}
		delete(r.tracked, exit.Pid)
		if err := child.proc.Release(); err != nil {
			logger.Warn(ctx, "release child failed", zap.String("child", child.name), zap.Error(err))
		}
		if first && !reported {
			reported = true
			r.code = exit.Code()
			r.s.deps.Observer.ChildExited(ctx, child.name, exit)
			continue
		}
		logger.Debug(ctx, "child reaped",
			zap.String("child", child.name), zap.Int("pid", exit.Pid), zap.Int("code", exit.Code()))
	}
	if reported {
		r.stop(ctx, syscall.SIGTERM)
	}
}
