//go:build linux

package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"nsvisor/internal/supervisor/initproc"
	"nsvisor/internal/supervisor/plan"
	appErr "nsvisor/pkg/errors"

	"golang.org/x/sys/unix"
)

// envRunAsInit makes the test binary act as the init helper.
const envRunAsInit = "NSVISOR_TEST_RUN_AS_INIT"

func TestMain(m *testing.M) {
	if os.Getenv(envRunAsInit) == "1" {
		os.Exit(initproc.Main())
	}
	os.Exit(m.Run())
}

// namespacedLauncher starts children through the test binary as init, in
// fresh mount, PID, IPC and user namespaces.
func namespacedLauncher(t *testing.T) Launcher {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	return New(Config{HelperPath: self, EnableNamespaces: true, UserNamespace: true}, HostIDMapper{})
}

func initEnv() plan.EnvRules {
	return plan.EnvRules{
		Propagate: []string{"PATH"},
		Set:       map[string]string{envRunAsInit: "1"},
	}
}

func skipWithoutNamespaces(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOSPC) {
		t.Skipf("user namespaces unavailable: %v", err)
	}
}

func waitExitTimeout(t *testing.T, pid int, timeout time.Duration) unix.WaitStatus {
	t.Helper()
	done := make(chan unix.WaitStatus, 1)
	go func() {
		var status unix.WaitStatus
		_, _ = unix.Wait4(pid, &status, 0, nil)
		done <- status
	}()
	select {
	case status := <-done:
		return status
	case <-time.After(timeout):
		_ = unix.Kill(pid, syscall.SIGKILL)
		t.Fatalf("child %d still alive after %s", pid, timeout)
		return 0
	}
}

type staticMapper struct{}

func (staticMapper) Mappings() ([]syscall.SysProcIDMap, []syscall.SysProcIDMap) {
	m := []syscall.SysProcIDMap{{ContainerID: 0, HostID: 1000, Size: 1}}
	return m, m
}

func TestBuildSysProcAttr(t *testing.T) {
	attr := buildSysProcAttr(Config{}, staticMapper{})
	if !attr.Setpgid || attr.Pdeathsig != syscall.SIGKILL {
		t.Fatalf("children must lead their own group and die with the supervisor")
	}
	if attr.Cloneflags != 0 {
		t.Fatalf("namespaces disabled must not set clone flags")
	}

	attr = buildSysProcAttr(Config{EnableNamespaces: true}, staticMapper{})
	want := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC)
	if attr.Cloneflags != want {
		t.Fatalf("unexpected clone flags %x", attr.Cloneflags)
	}
	if attr.Cloneflags&syscall.CLONE_NEWNET != 0 || attr.Cloneflags&syscall.CLONE_NEWUTS != 0 {
		t.Fatalf("network and hostname namespaces are joined, never created at spawn")
	}

	attr = buildSysProcAttr(Config{EnableNamespaces: true, UserNamespace: true}, staticMapper{})
	if attr.Cloneflags&syscall.CLONE_NEWUSER == 0 {
		t.Fatalf("expected user namespace")
	}
	if len(attr.UidMappings) != 1 || attr.UidMappings[0].HostID != 1000 {
		t.Fatalf("mapper not used: %+v", attr.UidMappings)
	}

	attr = buildSysProcAttr(Config{EnableNamespaces: true, UserNamespace: true}, nil)
	if attr.Cloneflags&syscall.CLONE_NEWUSER != 0 {
		t.Fatalf("nil mapper must disable the user namespace")
	}
}

func waitExit(t *testing.T, pid int) unix.WaitStatus {
	t.Helper()
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		t.Fatalf("wait %d: %v", pid, err)
	}
	return status
}

func TestLaunchHostNetDirect(t *testing.T) {
	l := New(Config{}, nil)
	proc, err := l.Launch(context.Background(), Request{
		Name:       "exiter",
		Command:    []string{"/bin/sh", "-c", `test "$NSVISOR_CHILD" = exiter && exit 7`},
		WorkDir:    t.TempDir(),
		Assignment: HostNetAssignment(),
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if proc.Pid() <= 0 {
		t.Fatalf("unexpected pid %d", proc.Pid())
	}
	if pgid, err := unix.Getpgid(proc.Pid()); err == nil && pgid != proc.Pid() {
		t.Fatalf("child must lead its own process group, pgid=%d", pgid)
	}
	status := waitExit(t, proc.Pid())
	if !status.Exited() || status.ExitStatus() != 7 {
		t.Fatalf("unexpected status %v", status)
	}
	if err := proc.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := proc.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal after release: %v", err)
	}
}

func TestLaunchSignal(t *testing.T) {
	l := New(Config{}, nil)
	proc, err := l.Launch(context.Background(), Request{
		Name:    "sleeper",
		Command: []string{"/bin/sh", "-c", "exec sleep 30"},
		Env:     plan.EnvRules{Propagate: []string{"PATH"}},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	status := waitExit(t, proc.Pid())
	if !status.Signaled() || status.Signal() != syscall.SIGTERM {
		t.Fatalf("unexpected status %v", status)
	}
	_ = proc.Release()
}

func TestLaunchMissingBinary(t *testing.T) {
	l := New(Config{}, nil)
	_, err := l.Launch(context.Background(), Request{
		Name:    "ghost",
		Command: []string{filepath.Join(t.TempDir(), "missing")},
	})
	if !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("expected SpawnFailed, got %v", err)
	}
}

func TestLaunchNamespacedMissingFiles(t *testing.T) {
	l := New(Config{}, nil)
	dir := t.TempDir()
	_, err := l.Launch(context.Background(), Request{
		Name:       "web",
		Command:    []string{"/bin/true"},
		Assignment: NamespacedAssignment(filepath.Join(dir, "net.x"), filepath.Join(dir, "uts.x")),
	})
	if err == nil {
		t.Fatalf("expected error for missing namespace files")
	}
}

func TestCgroupLimitsAreWritten(t *testing.T) {
	root := t.TempDir()
	path, err := createChildCgroup(root, "run-1", "web")
	if err != nil {
		t.Fatalf("create cgroup: %v", err)
	}
	if path != filepath.Join(root, "run-1", "web") {
		t.Fatalf("unexpected cgroup path %s", path)
	}
	if err := applyCgroupLimits(path, plan.Limits{MemoryMB: 64, PIDs: 32}); err != nil {
		t.Fatalf("apply limits: %v", err)
	}
	for name, want := range map[string]string{"pids.max": "32", "memory.max": "67108864"} {
		data, err := os.ReadFile(filepath.Join(path, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != want {
			t.Fatalf("%s = %q, want %q", name, data, want)
		}
	}
	if !hasLimits(plan.Limits{PIDs: 1}) || hasLimits(plan.Limits{}) {
		t.Fatalf("unexpected hasLimits result")
	}
}

func TestRemoveCgroupDropsEmptyRunDir(t *testing.T) {
	root := t.TempDir()
	path, err := createChildCgroup(root, "", "web")
	if err != nil {
		t.Fatalf("create cgroup: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "default" {
		t.Fatalf("expected default run dir, got %s", path)
	}
	if err := removeCgroup(path); err != nil {
		t.Fatalf("remove cgroup: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); !os.IsNotExist(err) {
		t.Fatalf("run dir should be gone, stat err %v", err)
	}
	if err := removeCgroup(path); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestLaunchNamespacedChildStopsOnSIGTERM(t *testing.T) {
	l := namespacedLauncher(t)
	proc, err := l.Launch(context.Background(), Request{
		Name:    "sleeper",
		Command: []string{"/bin/sleep", "30"},
		Env:     initEnv(),
	})
	skipWithoutNamespaces(t, err)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	status := waitExitTimeout(t, proc.Pid(), 10*time.Second)
	if !status.Exited() || status.ExitStatus() != 128+int(syscall.SIGTERM) {
		t.Fatalf("expected exit code %d, got %v", 128+int(syscall.SIGTERM), status)
	}
	_ = proc.Release()
}

func TestLaunchNamespacedChildForwardsSIGINT(t *testing.T) {
	l := namespacedLauncher(t)
	proc, err := l.Launch(context.Background(), Request{
		Name:    "sleeper",
		Command: []string{"/bin/sleep", "30"},
		Env:     initEnv(),
	})
	skipWithoutNamespaces(t, err)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := proc.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal: %v", err)
	}
	status := waitExitTimeout(t, proc.Pid(), 10*time.Second)
	if !status.Exited() || status.ExitStatus() != 128+int(syscall.SIGINT) {
		t.Fatalf("expected exit code %d, got %v", 128+int(syscall.SIGINT), status)
	}
	_ = proc.Release()
}

func TestLaunchNamespacedChildExitCode(t *testing.T) {
	l := namespacedLauncher(t)
	proc, err := l.Launch(context.Background(), Request{
		Name:    "exiter",
		Command: []string{"/bin/sh", "-c", `test "$NSVISOR_CHILD" = exiter && exit 5`},
		Env:     initEnv(),
	})
	skipWithoutNamespaces(t, err)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	status := waitExitTimeout(t, proc.Pid(), 10*time.Second)
	if !status.Exited() || status.ExitStatus() != 5 {
		t.Fatalf("unexpected status %v", status)
	}
	_ = proc.Release()
}

func TestLaunchNamespacedMissingCommandIsSpawnError(t *testing.T) {
	l := namespacedLauncher(t)
	_, err := l.Launch(context.Background(), Request{
		Name:    "ghost",
		Command: []string{filepath.Join(t.TempDir(), "missing")},
		Env:     initEnv(),
	})
	skipWithoutNamespaces(t, err)
	if !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("expected SpawnFailed, got %v", err)
	}
}

func TestLaunchNamespacesWithoutHelper(t *testing.T) {
	l := New(Config{EnableNamespaces: true}, nil)
	_, err := l.Launch(context.Background(), Request{Name: "web", Command: []string{"/bin/true"}})
	if !appErr.Is(err, appErr.HelperRequired) {
		t.Fatalf("expected HelperRequired, got %v", err)
	}
}
