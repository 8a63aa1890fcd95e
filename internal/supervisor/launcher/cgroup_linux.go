//go:build linux

package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"nsvisor/internal/supervisor/plan"
)

func hasLimits(limits plan.Limits) bool {
	return limits.MemoryMB > 0 || limits.PIDs > 0
}

func createChildCgroup(root, runID, child string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cgroup root is required")
	}
	if runID == "" {
		runID = "default"
	}
	cgroupPath := filepath.Join(root, runID, child)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", fmt.Errorf("create cgroup path: %w", err)
	}
	return cgroupPath, nil
}

func applyCgroupLimits(cgroupPath string, limits plan.Limits) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
	}
	return nil
}

// removeCgroup removes the child cgroup and, once empty, its run directory.
func removeCgroup(cgroupPath string) error {
	if err := os.Remove(cgroupPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(filepath.Dir(cgroupPath))
	return nil
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
