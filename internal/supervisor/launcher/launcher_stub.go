//go:build !linux

package launcher

import (
	"context"

	appErr "nsvisor/pkg/errors"
)

type stubLauncher struct{}

func New(cfg Config, mapper IDMapper) Launcher {
	return &stubLauncher{}
}

func (s *stubLauncher) Launch(ctx context.Context, req Request) (Process, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return nil, appErr.New(appErr.SpawnFailed).WithMessage("launcher is only supported on linux")
}
