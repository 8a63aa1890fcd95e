//go:build linux

package initproc

import (
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestDecodeRequest(t *testing.T) {
	req, err := decodeRequest(strings.NewReader(`{"name":"bridge","command":["sh","-c","true"],"env":["A=1"],"privateMounts":true,"rootFS":"/var/lib/br","namespaceDir":"/run/nsvisor/children"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Name != "bridge" || len(req.Command) != 3 || !req.PrivateMounts {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.NamespaceDir != "/run/nsvisor/children" {
		t.Fatalf("namespace dir lost: %+v", req)
	}
	if _, err := decodeRequest(strings.NewReader("{")); err == nil {
		t.Fatalf("expected error for truncated request")
	}
}

func TestNamespaceDirTarget(t *testing.T) {
	cases := map[string]string{
		"/run/nsvisor/children":  "/var/lib/br/run/nsvisor/children",
		"run/nsvisor/children":   "/var/lib/br/run/nsvisor/children",
		"/run/../etc/../run/ns/": "/var/lib/br/run/ns",
	}
	for dir, want := range cases {
		if got := namespaceDirTarget("/var/lib/br", dir); got != want {
			t.Fatalf("namespaceDirTarget(%q) = %q, want %q", dir, got, want)
		}
	}
}

func TestBuildEnvDefaultsPath(t *testing.T) {
	if env := buildEnv(nil); len(env) != 1 || env[0] != "PATH="+defaultPath {
		t.Fatalf("unexpected default env %v", env)
	}
	if env := buildEnv([]string{"A=1"}); len(env) != 1 || env[0] != "A=1" {
		t.Fatalf("explicit env must be kept, got %v", env)
	}
}

func TestSuperviseForwardsTerminationAndReportsStatus(t *testing.T) {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGCHLD)
	defer signal.Stop(sigs)

	cmd := exec.Command("/bin/sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid

	// Delivered as if the supervisor had signaled the init process.
	sigs <- syscall.SIGTERM

	done := make(chan int, 1)
	go func() { done <- supervise(pid, sigs) }()
	select {
	case code := <-done:
		if code != 128+int(syscall.SIGTERM) {
			t.Fatalf("expected %d, got %d", 128+int(syscall.SIGTERM), code)
		}
	case <-time.After(10 * time.Second):
		_ = unix.Kill(pid, syscall.SIGKILL)
		t.Fatalf("command %d was not stopped by the forwarded SIGTERM", pid)
	}
}

func TestExitCode(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &status, 0, nil); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code := exitCode(status); code != 3 {
		t.Fatalf("expected 3, got %d", code)
	}
}
