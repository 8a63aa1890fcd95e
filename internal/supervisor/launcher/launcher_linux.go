//go:build linux

package launcher

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"syscall"

	"nsvisor/internal/supervisor/initproc"
	"nsvisor/internal/supervisor/nsutil"
	appErr "nsvisor/pkg/errors"
	"nsvisor/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type linuxLauncher struct {
	cfg    Config
	mapper IDMapper
	lookup func(string) (string, bool)
}

// New creates a Linux launcher. A nil mapper disables user namespaces.
func New(cfg Config, mapper IDMapper) Launcher {
	return &linuxLauncher{cfg: cfg, mapper: mapper, lookup: os.LookupEnv}
}

func (l *linuxLauncher) Launch(ctx context.Context, req Request) (Process, error) {
	if err := validateConfig(l.cfg); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	cgroupPath := ""
	var cgroupDir *os.File
	if l.cfg.CgroupRoot != "" && hasLimits(req.Limits) {
		path, err := createChildCgroup(l.cfg.CgroupRoot, req.RunID, req.Name)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CgroupFailed, "create cgroup for %q", req.Name)
		}
		if err := applyCgroupLimits(path, req.Limits); err != nil {
			_ = removeCgroup(path)
			return nil, appErr.Wrapf(err, appErr.CgroupFailed, "apply cgroup limits for %q", req.Name)
		}
		dir, err := os.Open(path)
		if err != nil {
			_ = removeCgroup(path)
			return nil, appErr.Wrapf(err, appErr.CgroupFailed, "open cgroup %s", path)
		}
		defer dir.Close()
		cgroupPath, cgroupDir = path, dir
	}

	env := BuildEnv(req, l.lookup)
	var proc *os.Process
	spawn := func() error {
		p, err := l.start(req, env, cgroupDir)
		if err != nil {
			return err
		}
		proc = p
		return nil
	}

	var err error
	switch req.Assignment.Kind {
	case HostNet:
		err = spawn()
	case Bridge:
		err = nsutil.Do(req.Assignment.NetPath, nsutil.Net, spawn)
	case Namespaced:
		err = nsutil.Do(req.Assignment.NetPath, nsutil.Net, func() error {
			return nsutil.Do(req.Assignment.UTSPath, nsutil.UTS, spawn)
		})
	default:
		err = appErr.Newf(appErr.SpawnFailed, "unknown namespace assignment %d", req.Assignment.Kind)
	}
	if err != nil {
		if cgroupPath != "" {
			_ = removeCgroup(cgroupPath)
		}
		if appErr.GetCode(err) == appErr.InternalServerError {
			return nil, appErr.Wrapf(err, appErr.SpawnFailed, "spawn %q", req.Name)
		}
		return nil, err
	}

	logger.Info(ctx, "child started",
		zap.Int("pid", proc.Pid),
		zap.String("assignment", req.Assignment.Kind.String()),
	)
	return &process{proc: proc, cgroup: cgroupPath}, nil
}

func (l *linuxLauncher) start(req Request, env []string, cgroupDir *os.File) (*os.Process, error) {
	if l.cfg.HelperPath == "" {
		cmd := exec.Command(req.Command[0], req.Command[1:]...)
		cmd.Env = env
		cmd.Dir = req.WorkDir
		if err := l.startCmd(cmd, cgroupDir); err != nil {
			return nil, appErr.Wrapf(err, appErr.SpawnFailed, "start %q", req.Name)
		}
		return cmd.Process, nil
	}
	return l.startInit(req, env, cgroupDir)
}

// startInit starts the init helper and waits until it either started the
// command or reported why it could not.
func (l *linuxLauncher) startInit(req Request, env []string, cgroupDir *os.File) (*os.Process, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.SpawnFailed).WithMessage("create init request pipe")
	}
	defer reqW.Close()
	statusR, statusW, err := os.Pipe()
	if err != nil {
		_ = reqR.Close()
		return nil, appErr.Wrap(err, appErr.SpawnFailed).WithMessage("create init status pipe")
	}
	defer statusR.Close()

	cmd := exec.Command(l.cfg.HelperPath)
	cmd.Env = env
	// Order matches initproc.RequestFD and initproc.StatusFD.
	cmd.ExtraFiles = []*os.File{reqR, statusW}
	err = l.startCmd(cmd, cgroupDir)
	_ = reqR.Close()
	_ = statusW.Close()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SpawnFailed, "start init for %q", req.Name)
	}

	initReq := newInitRequest(req, env, l.cfg.EnableNamespaces)
	if err := json.NewEncoder(reqW).Encode(initReq); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, appErr.Wrapf(err, appErr.SpawnFailed, "send init request for %q", req.Name)
	}
	_ = reqW.Close()

	if err := initproc.ReadStatus(statusR); err != nil {
		// The helper exits right after reporting; collect it here since it
		// is never handed to the caller.
		_ = cmd.Wait()
		return nil, appErr.Wrapf(err, appErr.SpawnFailed, "run %q", req.Name)
	}
	return cmd.Process, nil
}

func (l *linuxLauncher) startCmd(cmd *exec.Cmd, cgroupDir *os.File) error {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = buildSysProcAttr(l.cfg, l.mapper)
	if cgroupDir != nil {
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(cgroupDir.Fd())
	}
	return cmd.Start()
}

func buildSysProcAttr(cfg Config, mapper IDMapper) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !cfg.EnableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC)
	if cfg.UserNamespace && mapper != nil {
		cloneFlags |= syscall.CLONE_NEWUSER
		attr.UidMappings, attr.GidMappings = mapper.Mappings()
		attr.GidMappingsEnableSetgroups = false
	}
	attr.Cloneflags = cloneFlags
	return attr
}

type process struct {
	proc     *os.Process
	cgroup   string
	released bool
}

func (p *process) Pid() int {
	return p.proc.Pid
}

// Signal delivers sig. A child that is already gone is not an error.
func (p *process) Signal(sig syscall.Signal) error {
	if p.released {
		return nil
	}
	if err := unix.Kill(p.proc.Pid, sig); err != nil && err != unix.ESRCH {
		return appErr.Wrapf(err, appErr.SignalFailed, "send %s to %d", sig, p.proc.Pid)
	}
	return nil
}

func (p *process) Release() error {
	if p.released {
		return nil
	}
	p.released = true
	_ = p.proc.Release()
	if p.cgroup != "" {
		if err := removeCgroup(p.cgroup); err != nil {
			return appErr.Wrapf(err, appErr.CgroupFailed, "remove cgroup %s", p.cgroup)
		}
	}
	return nil
}
