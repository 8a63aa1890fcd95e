// Package portforward owns the host-side port forwarding rules of one run.
package portforward

import (
	"context"
	"errors"
	"net"
	"strconv"

	appErr "nsvisor/pkg/errors"
	"nsvisor/pkg/utils/logger"

	"go.uber.org/zap"
)

// Forwarder installs forwarding rules once and removes them on Release.
type Forwarder interface {
	Start(ctx context.Context) error
	Release() error
}

// Guard forwards external ports from the gateway namespace to the bridge.
// Release is idempotent and safe to call when Start was never called or
// failed half way.
type Guard struct {
	netns  string
	ip     net.IP
	ports  []uint16
	runner Runner

	started   bool
	released  bool
	installed []uint16
}

// New creates an inactive guard.
func New(gatewayNetns string, bridgeIP net.IP, ports []uint16, runner Runner) *Guard {
	p := make([]uint16, len(ports))
	copy(p, ports)
	return &Guard{
		netns:  gatewayNetns,
		ip:     bridgeIP,
		ports:  p,
		runner: runner,
	}
}

// Start installs one DNAT rule per external port. It may be called once.
func (g *Guard) Start(ctx context.Context) error {
	if g.started {
		return appErr.New(appErr.ForwardingFailed).WithMessage("port forwarding already started")
	}
	if g.released {
		return appErr.New(appErr.ForwardingFailed).WithMessage("port forwarding guard already released")
	}
	g.started = true
	if g.ip == nil && len(g.ports) > 0 {
		return appErr.New(appErr.ForwardingFailed).WithMessage("bridge ip is required")
	}
	for _, port := range g.ports {
		if err := g.runner.Run(ctx, g.netns, ruleArgs("-A", port, g.ip)...); err != nil {
			return appErr.Wrapf(err, appErr.ForwardingFailed, "forward port %d to %s", port, g.ip)
		}
		g.installed = append(g.installed, port)
	}
	if len(g.installed) > 0 {
		logger.Info(ctx, "port forwarding started", zap.String("bridge_ip", g.ip.String()), zap.Any("ports", g.installed))
	}
	return nil
}

// Release removes every installed rule, most recent first.
func (g *Guard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	if len(g.installed) == 0 {
		return nil
	}
	ctx := context.Background()
	var errs []error
	for i := len(g.installed) - 1; i >= 0; i-- {
		port := g.installed[i]
		if err := g.runner.Run(ctx, g.netns, ruleArgs("-D", port, g.ip)...); err != nil {
			logger.Warn(ctx, "remove port forwarding failed", zap.Uint16("port", port), zap.Error(err))
			errs = append(errs, err)
		}
	}
	g.installed = nil
	if len(errs) > 0 {
		return appErr.Wrap(errors.Join(errs...), appErr.ForwardingFailed)
	}
	return nil
}

// Installed returns the ports whose rules are currently installed.
func (g *Guard) Installed() []uint16 {
	out := make([]uint16, len(g.installed))
	copy(out, g.installed)
	return out
}

func ruleArgs(action string, port uint16, ip net.IP) []string {
	return []string{
		"-w", "-t", "nat", action, "PREROUTING",
		"-p", "tcp", "--dport", strconv.Itoa(int(port)),
		"-j", "DNAT", "--to-destination", ip.String(),
	}
}
