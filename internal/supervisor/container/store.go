// Package container resolves the containers referenced by a supervision plan.
package container

import (
	"context"
	"os"
	"path/filepath"

	appErr "nsvisor/pkg/errors"
)

// Container is a prepared container filesystem and its isolation settings.
type Container struct {
	Name           string `yaml:"name"`
	RootFS         string `yaml:"rootFS"`
	SeccompProfile string `yaml:"seccompProfile"`
}

// Store prepares containers before any child that uses them is launched.
type Store interface {
	Build(ctx context.Context, name string) (Container, error)
}

// LocalStore serves containers declared in configuration.
type LocalStore struct {
	containers map[string]Container
	seccompDir string
}

// NewLocalStore creates a store from config lists.
func NewLocalStore(containers []Container, seccompDir string) *LocalStore {
	m := make(map[string]Container)
	for _, c := range containers {
		if c.Name == "" {
			continue
		}
		m[c.Name] = c
	}
	return &LocalStore{containers: m, seccompDir: seccompDir}
}

// Build checks that the container filesystem is ready and resolves its profile path.
func (s *LocalStore) Build(ctx context.Context, name string) (Container, error) {
	if name == "" {
		return Container{}, appErr.ValidationError("container", "required")
	}
	c, ok := s.containers[name]
	if !ok {
		return Container{}, appErr.Newf(appErr.ContainerNotReady, "container %q is not declared", name)
	}
	if c.RootFS != "" {
		info, err := os.Stat(c.RootFS)
		if err != nil {
			return Container{}, appErr.Wrapf(err, appErr.ContainerNotReady, "container %q rootfs", name)
		}
		if !info.IsDir() {
			return Container{}, appErr.Newf(appErr.ContainerNotReady, "container %q rootfs %s is not a directory", name, c.RootFS)
		}
	}
	if s.seccompDir != "" && c.SeccompProfile != "" && !filepath.IsAbs(c.SeccompProfile) {
		c.SeccompProfile = filepath.Join(s.seccompDir, c.SeccompProfile)
	}
	return c, nil
}
