package topology

import (
	"errors"

	"nsvisor/internal/supervisor/nsutil"
	appErr "nsvisor/pkg/errors"
)

// Storage is the run-scoped tmpfs holding namespace files. Release unmounts
// every namespace file created in it and then the tmpfs itself.
type Storage struct {
	dir      string
	mounted  bool
	files    []string
	released bool

	releaseFile func(path string) error
	unmount     func(dir string) error
}

func newStorage(dir string) *Storage {
	return &Storage{
		dir:         dir,
		releaseFile: nsutil.Release,
		unmount:     nsutil.Unmount,
	}
}

// Dir is the storage directory.
func (s *Storage) Dir() string {
	return s.dir
}

func (s *Storage) track(path string) {
	s.files = append(s.files, path)
}

// Release is idempotent.
func (s *Storage) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	var errs []error
	for i := len(s.files) - 1; i >= 0; i-- {
		if err := s.releaseFile(s.files[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil
	if s.mounted {
		if err := s.unmount(s.dir); err != nil {
			errs = append(errs, err)
		}
		s.mounted = false
	}
	if len(errs) > 0 {
		return appErr.Wrap(errors.Join(errs...), appErr.MountFailed)
	}
	return nil
}
