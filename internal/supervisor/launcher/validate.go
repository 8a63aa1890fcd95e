package launcher

import appErr "nsvisor/pkg/errors"

func validateConfig(cfg Config) error {
	if cfg.EnableNamespaces && cfg.HelperPath == "" {
		return appErr.New(appErr.HelperRequired).
			WithMessage("namespaced children need an init helper to run as PID 1")
	}
	return nil
}

func validateRequest(req Request) error {
	if req.Name == "" {
		return appErr.ValidationError("name", "required")
	}
	if len(req.Command) == 0 || req.Command[0] == "" {
		return appErr.Newf(appErr.SpawnFailed, "child %q has no command", req.Name)
	}
	switch req.Assignment.Kind {
	case Bridge:
		if req.Assignment.NetPath == "" {
			return appErr.Newf(appErr.SpawnFailed, "bridge child %q has no bridge namespace", req.Name)
		}
	case Namespaced:
		if req.Assignment.NetPath == "" || req.Assignment.UTSPath == "" {
			return appErr.Newf(appErr.SpawnFailed, "child %q has no namespaces assigned", req.Name)
		}
	}
	return nil
}
