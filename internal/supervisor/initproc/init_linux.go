//go:build linux

package initproc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// setupFailedCode is the exit code when the command never started. The
// launcher learns the reason from the status descriptor.
const setupFailedCode = 1

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// forwarded are passed on to the command. As PID 1 of a namespace the init
// process only receives signals it handles, so the command would never see
// them otherwise.
var forwarded = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// Main runs the init process and returns its exit code: the command's exit
// code, or 128 plus the signal that killed it.
func Main() int {
	unix.CloseOnExec(RequestFD)
	unix.CloseOnExec(StatusFD)
	status := os.NewFile(uintptr(StatusFD), "init-status")

	sigs := make(chan os.Signal, 32)
	signal.Notify(sigs, append([]os.Signal{syscall.SIGCHLD}, forwarded...)...)

	cmd, err := start()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "nsvisor-init: "+err.Error())
		_, _ = status.WriteString(err.Error())
		_ = status.Close()
		return setupFailedCode
	}
	_ = status.Close()
	return supervise(cmd.Process.Pid, sigs)
}

func start() (*exec.Cmd, error) {
	reqFile := os.NewFile(uintptr(RequestFD), "init-request")
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var profile []byte
	if req.SeccompProfile != "" {
		// Read from the host before chroot.
		profile, err = os.ReadFile(req.SeccompProfile)
		if err != nil {
			return nil, fmt.Errorf("read seccomp profile: %w", err)
		}
	}
	if err := prepareFilesystem(req); err != nil {
		return nil, err
	}
	if req.WorkDir != "" {
		if err := os.Chdir(req.WorkDir); err != nil {
			return nil, fmt.Errorf("chdir workdir: %w", err)
		}
	}

	env := buildEnv(req.Env)
	os.Clearenv()
	for _, kv := range env {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return nil, fmt.Errorf("set env: %w", err)
		}
	}

	// The filter is inherited by the command. It applies to this process as
	// well, so a profile must leave wait4 and kill allowed.
	if profile != nil {
		if err := applySeccomp(profile); err != nil {
			return nil, err
		}
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", req.Command[0], err)
	}
	return cmd, nil
}

func decodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func prepareFilesystem(req Request) error {
	if req.PrivateMounts {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
	}
	if req.RootFS == "" {
		return nil
	}
	if req.NamespaceDir != "" {
		if err := bindMount(req.NamespaceDir, namespaceDirTarget(req.RootFS, req.NamespaceDir)); err != nil {
			return err
		}
	}
	if err := mountProc(req.RootFS); err != nil {
		return err
	}
	if err := unix.Chroot(req.RootFS); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	return nil
}

// namespaceDirTarget keeps the namespace directory at the same path once the
// root is changed.
func namespaceDirTarget(rootfs, dir string) string {
	return filepath.Join(rootfs, filepath.Clean("/"+dir))
}

func bindMount(source, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s: %w", source, err)
	}
	return nil
}

func mountProc(rootfs string) error {
	procPath := filepath.Join(rootfs, "proc")
	if err := os.MkdirAll(procPath, 0755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("mount proc: %w", err)
	}
	return nil
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=" + defaultPath}
}

// supervise forwards signals to the command and reaps every child until the
// command itself exited. Orphans left behind are killed by the kernel when
// this process exits.
func supervise(pid int, sigs <-chan os.Signal) int {
	for sig := range sigs {
		s, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		if s != syscall.SIGCHLD {
			if err := unix.Kill(pid, s); err != nil && err != unix.ESRCH {
				_, _ = fmt.Fprintf(os.Stderr, "nsvisor-init: forward %s: %v\n", s, err)
			}
			continue
		}
		if status, done := reap(pid); done {
			return exitCode(status)
		}
	}
	return setupFailedCode
}

// reap collects every exited child and reports whether pid was among them.
func reap(pid int) (unix.WaitStatus, bool) {
	var result unix.WaitStatus
	found := false
	for {
		var status unix.WaitStatus
		got, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || got <= 0 {
			return result, found
		}
		if got == pid {
			result, found = status, true
		}
	}
}

func exitCode(status unix.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return setupFailedCode
	}
}

func applySeccomp(data []byte) error {
	cfg, err := parseSeccompProfile(data)
	if err != nil {
		return err
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown on this architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
