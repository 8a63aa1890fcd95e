//go:build !linux

package topology

import (
	"context"

	"nsvisor/internal/supervisor/portforward"
	appErr "nsvisor/pkg/errors"
)

// Builder is unavailable outside Linux.
type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config, _ portforward.Runner) *Builder {
	return &Builder{cfg: cfg.withDefaults()}
}

func (b *Builder) Build(ctx context.Context, req Request) (*NamespaceSet, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	return nil, appErr.New(appErr.TopologyFailed).WithMessage("namespace topology requires linux")
}
