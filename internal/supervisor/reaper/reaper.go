package reaper

import (
	appErr "nsvisor/pkg/errors"

	"golang.org/x/sys/unix"
)

// Exit is one reaped process.
type Exit struct {
	Pid    int
	Status unix.WaitStatus
}

// Code is the exit code reported for the process: its own exit code, or
// 128 plus the signal number when a signal killed it.
func (e Exit) Code() int {
	return ExitCode(e.Status)
}

// Reaper collects every child that has already exited.
type Reaper interface {
	Reap() ([]Exit, error)
}

// WaitReaper sweeps with wait4(-1, WNOHANG). It reaps any child of the
// process, tracked or not.
type WaitReaper struct{}

func (WaitReaper) Reap() ([]Exit, error) {
	var exits []Exit
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return exits, nil
		case err != nil:
			return exits, appErr.Wrap(err, appErr.SupervisionFailed).WithMessage("wait for children")
		case pid <= 0:
			return exits, nil
		}
		exits = append(exits, Exit{Pid: pid, Status: status})
	}
}

// ExitCode converts a wait status to a shell style exit code.
func ExitCode(status unix.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return 128
	}
}
