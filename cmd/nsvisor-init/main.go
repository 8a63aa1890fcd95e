//go:build linux

// Command nsvisor-init is the first process of every namespaced child. It
// prepares the container filesystem, runs the child's command and stays
// around to forward signals and reap orphans. nsvisor starts it with the
// request on fd 3 and a status pipe on fd 4.
package main

import (
	"os"

	"nsvisor/internal/supervisor/initproc"
)

func main() {
	os.Exit(initproc.Main())
}
