//go:build !linux

package nsutil

import (
	"os"

	appErr "nsvisor/pkg/errors"
)

var errUnsupported = appErr.New(appErr.NamespaceFailed).WithMessage("namespaces are only supported on linux")

func ThreadPath(k Kind) string { return "" }

func Enter(path string, k Kind) error { return errUnsupported }

func EnterFile(f *os.File, k Kind) error { return errUnsupported }

func Current(k Kind) (*os.File, error) { return nil, errUnsupported }

func Create(k Kind, path string) error { return errUnsupported }

func Do(path string, k Kind, fn func() error) error { return errUnsupported }

func IsNamespace(path string) bool { return false }

func Release(path string) error { return nil }

func MakeMountsPrivate() error { return errUnsupported }

func MountTmpfs(dir, options string) error { return errUnsupported }

func Unmount(dir string) error { return nil }

func Sethostname(name string) error { return errUnsupported }
