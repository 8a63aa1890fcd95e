//go:build linux

package nsutil

import (
	"fmt"
	"os"
	"path/filepath"

	appErr "nsvisor/pkg/errors"

	"golang.org/x/sys/unix"
)

func (k Kind) cloneFlag() (int, error) {
	switch k {
	case Net:
		return unix.CLONE_NEWNET, nil
	case UTS:
		return unix.CLONE_NEWUTS, nil
	case Mount:
		return unix.CLONE_NEWNS, nil
	case IPC:
		return unix.CLONE_NEWIPC, nil
	case PID:
		return unix.CLONE_NEWPID, nil
	default:
		return 0, fmt.Errorf("unknown namespace kind %q", string(k))
	}
}

// ThreadPath is the procfs path of the calling thread's namespace of kind k.
func ThreadPath(k Kind) string {
	return fmt.Sprintf("/proc/self/task/%d/ns/%s", unix.Gettid(), k)
}

// Enter attaches the calling thread to the namespace persisted at path.
func Enter(path string, k Kind) error {
	f, err := os.Open(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.NamespaceFailed, "open %s namespace %s", k, path)
	}
	defer f.Close()
	return EnterFile(f, k)
}

// EnterFile attaches the calling thread to the namespace referenced by f.
func EnterFile(f *os.File, k Kind) error {
	flag, err := k.cloneFlag()
	if err != nil {
		return appErr.Wrap(err, appErr.NamespaceFailed)
	}
	if err := unix.Setns(int(f.Fd()), flag); err != nil {
		return appErr.Wrapf(err, appErr.NamespaceFailed, "setns %s %s", k, f.Name())
	}
	return nil
}

// Current opens a handle on the calling thread's namespace of kind k.
func Current(k Kind) (*os.File, error) {
	f, err := os.Open(ThreadPath(k))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NamespaceFailed, "open current %s namespace", k)
	}
	return f, nil
}

// Create moves the calling thread into a new namespace of kind k. When path
// is not empty the namespace is persisted there with a bind mount.
func Create(k Kind, path string) error {
	flag, err := k.cloneFlag()
	if err != nil {
		return appErr.Wrap(err, appErr.NamespaceFailed)
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
		if err != nil {
			return appErr.Wrapf(err, appErr.NamespaceFailed, "create namespace file %s", path)
		}
		_ = f.Close()
	}
	if err := unix.Unshare(flag); err != nil {
		if path != "" {
			_ = os.Remove(path)
		}
		return appErr.Wrapf(err, appErr.NamespaceFailed, "unshare %s namespace", k)
	}
	if path == "" {
		return nil
	}
	if err := unix.Mount(ThreadPath(k), path, "", unix.MS_BIND, ""); err != nil {
		_ = os.Remove(path)
		return appErr.Wrapf(err, appErr.NamespaceFailed, "persist %s namespace at %s", k, path)
	}
	return nil
}

// Do runs fn with the calling thread attached to the namespace at path and
// restores the previous namespace afterwards.
func Do(path string, k Kind, fn func() error) error {
	prev, err := Current(k)
	if err != nil {
		return err
	}
	defer prev.Close()
	if err := Enter(path, k); err != nil {
		return err
	}
	fnErr := fn()
	if err := EnterFile(prev, k); err != nil {
		return appErr.Wrapf(err, appErr.NamespaceFailed, "restore %s namespace", k)
	}
	return fnErr
}

// IsNamespace reports whether path is a persisted namespace file.
func IsNamespace(path string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	return st.Type == unix.NSFS_MAGIC || st.Type == unix.PROC_SUPER_MAGIC
}

// Release detaches a persisted namespace file and removes it.
func Release(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil && err != unix.EINVAL && err != unix.ENOENT {
		return appErr.Wrapf(err, appErr.MountFailed, "unmount namespace %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return appErr.Wrapf(err, appErr.MountFailed, "remove namespace file %s", path)
	}
	return nil
}

// MakeMountsPrivate stops mount events from propagating out of the current
// mount namespace.
func MakeMountsPrivate() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return appErr.Wrap(err, appErr.MountFailed).WithMessage("make mounts private")
	}
	return nil
}

// MountTmpfs mounts a tmpfs at dir, creating dir when missing.
func MountTmpfs(dir, options string) error {
	if err := os.MkdirAll(filepath.Clean(dir), 0755); err != nil {
		return appErr.Wrapf(err, appErr.MountFailed, "create dir %s", dir)
	}
	if err := unix.Mount("tmpfs", dir, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, options); err != nil {
		return appErr.Wrapf(err, appErr.MountFailed, "mount tmpfs on %s", dir)
	}
	return nil
}

// Unmount lazily unmounts dir.
func Unmount(dir string) error {
	if err := unix.Unmount(dir, unix.MNT_DETACH); err != nil && err != unix.EINVAL && err != unix.ENOENT {
		return appErr.Wrapf(err, appErr.MountFailed, "unmount %s", dir)
	}
	return nil
}

// Sethostname sets the hostname of the calling thread's UTS namespace.
func Sethostname(name string) error {
	if err := unix.Sethostname([]byte(name)); err != nil {
		return appErr.Wrapf(err, appErr.NamespaceFailed, "set hostname %q", name)
	}
	return nil
}
