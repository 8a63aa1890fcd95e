// Package observer reports supervision events to the user and the log.
package observer

import (
	"context"
	"fmt"
	"io"
	"syscall"

	"nsvisor/internal/supervisor/reaper"
	"nsvisor/pkg/utils/logger"

	"go.uber.org/zap"
)

// Observer receives the events that end a run.
type Observer interface {
	LaunchFailed(ctx context.Context, name string, err error)
	ChildExited(ctx context.Context, name string, exit reaper.Exit)
	SignalReceived(ctx context.Context, sig syscall.Signal)
}

// StatusWriter prints one status line per event and mirrors it to the log.
type StatusWriter struct {
	out io.Writer
}

func NewStatusWriter(out io.Writer) *StatusWriter {
	return &StatusWriter{out: out}
}

func (w *StatusWriter) LaunchFailed(ctx context.Context, name string, err error) {
	w.line("Process %s could not be run: %v. Shutting down", name, err)
	logger.Warn(ctx, "child could not be run", zap.String("child", name), zap.Error(err))
}

func (w *StatusWriter) ChildExited(ctx context.Context, name string, exit reaper.Exit) {
	if exit.Status.Signaled() {
		w.line("Process %s:%d was killed by signal %s. Shutting down", name, exit.Pid, exit.Status.Signal())
	} else {
		w.line("Process %s:%d exited with code %d. Shutting down", name, exit.Pid, exit.Code())
	}
	logger.Info(ctx, "child exited",
		zap.String("child", name),
		zap.Int("pid", exit.Pid),
		zap.Int("code", exit.Code()),
		zap.Bool("signaled", exit.Status.Signaled()),
	)
}

func (w *StatusWriter) SignalReceived(ctx context.Context, sig syscall.Signal) {
	w.line("Got %s. Shutting down", sig)
	logger.Info(ctx, "supervisor signaled", zap.String("signal", sig.String()))
}

func (w *StatusWriter) line(format string, args ...interface{}) {
	if w.out == nil {
		return
	}
	_, _ = fmt.Fprintf(w.out, "---------- "+format+" -----------\n", args...)
}
