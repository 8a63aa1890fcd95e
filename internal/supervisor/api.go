// Package supervisor runs a plan of children under the stop-on-first-exit
// policy: the first child to exit or fail to start brings the rest down.
package supervisor

import (
	"context"
	"net"
	"runtime"

	"nsvisor/internal/supervisor/container"
	"nsvisor/internal/supervisor/launcher"
	"nsvisor/internal/supervisor/observer"
	"nsvisor/internal/supervisor/plan"
	"nsvisor/internal/supervisor/portforward"
	"nsvisor/internal/supervisor/reaper"
	"nsvisor/internal/supervisor/topology"
	appErr "nsvisor/pkg/errors"
)

// LaunchFailureCode is returned when any child could not be started.
const LaunchFailureCode = 127

// ForwarderFactory creates the port forward guard of a run.
type ForwarderFactory func(gatewayNetns string, bridgeIP net.IP, ports []uint16) portforward.Forwarder

// EventSourceFactory registers for supervision events. It is called once per
// run, before the first spawn.
type EventSourceFactory func() reaper.Source

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Containers container.Store
	Launcher   launcher.Launcher
	Topology   topology.Topology
	Forwarders ForwarderFactory
	Events     EventSourceFactory
	Reaper     reaper.Reaper
	Observer   observer.Observer
}

// Supervisor runs one plan.
type Supervisor struct {
	plan *plan.Plan
	deps Deps
}

// New validates the collaborators.
func New(p *plan.Plan, deps Deps) (*Supervisor, error) {
	if p == nil {
		return nil, appErr.New(appErr.PlanEmpty)
	}
	switch {
	case deps.Containers == nil:
		return nil, appErr.ValidationError("deps", "container store is required")
	case deps.Launcher == nil:
		return nil, appErr.ValidationError("deps", "launcher is required")
	case deps.Events == nil:
		return nil, appErr.ValidationError("deps", "event source is required")
	case deps.Reaper == nil:
		return nil, appErr.ValidationError("deps", "reaper is required")
	case deps.Observer == nil:
		return nil, appErr.ValidationError("deps", "observer is required")
	}
	if p.Partition().Networked() && (deps.Topology == nil || deps.Forwarders == nil) {
		return nil, appErr.ValidationError("deps", "topology and forwarders are required for networked children")
	}
	return &Supervisor{plan: p, deps: deps}, nil
}

// Run supervises the plan until every started child has been reaped and
// returns the run's exit code. A non-nil error explains a run that ended
// before or while launching.
//
// The run happens on a dedicated OS thread. Namespace changes made while
// building the topology and spawning children stay on that thread, which is
// discarded when the run ends.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		runtime.LockOSThread()
		code, err := s.run(ctx)
		done <- result{code: code, err: err}
	}()
	r := <-done
	return r.code, r.err
}
