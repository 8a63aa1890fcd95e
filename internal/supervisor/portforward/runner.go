package portforward

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"nsvisor/internal/supervisor/nsutil"
)

const defaultIptables = "iptables"

// Runner runs one rule program invocation, inside the network namespace
// persisted at netns, or in the caller's namespace when netns is empty.
type Runner interface {
	Run(ctx context.Context, netns string, args ...string) error
}

// IptablesRunner invokes the iptables binary.
type IptablesRunner struct {
	Path string
}

// Run executes iptables with args. The caller must hold its OS thread.
func (r IptablesRunner) Run(ctx context.Context, netns string, args ...string) error {
	run := func() error {
		path := r.Path
		if path == "" {
			path = defaultIptables
		}
		cmd := exec.CommandContext(ctx, path, args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s %s: %w: %s", path, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
		}
		return nil
	}
	if netns == "" {
		return run()
	}
	return nsutil.Do(netns, nsutil.Net, run)
}
