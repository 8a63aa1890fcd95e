// Package initproc is the PID 1 of every namespaced child. It prepares the
// container filesystem, starts the child's command, forwards termination
// signals to it and reaps everything orphaned inside the PID namespace.
package initproc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Descriptors inherited from the launcher.
const (
	// RequestFD carries the JSON encoded Request.
	RequestFD = 3
	// StatusFD is closed without data once the command started. Anything
	// written to it is the reason the command could not be run.
	StatusFD = 4
)

// Request is handed to the init process by the launcher.
type Request struct {
	Name           string   `json:"name"`
	RootFS         string   `json:"rootFS,omitempty"`
	SeccompProfile string   `json:"seccompProfile,omitempty"`
	Command        []string `json:"command"`
	Env            []string `json:"env"`
	WorkDir        string   `json:"workDir,omitempty"`
	PrivateMounts  bool     `json:"privateMounts"`
	// NamespaceDir is bind mounted at the same path inside RootFS.
	NamespaceDir string `json:"namespaceDir,omitempty"`
}

// Validate checks the fields the init process cannot run without.
func (r Request) Validate() error {
	if len(r.Command) == 0 || r.Command[0] == "" {
		return errors.New("command is required")
	}
	if r.RootFS != "" && !r.PrivateMounts {
		return fmt.Errorf("rootfs %s requires namespaces", r.RootFS)
	}
	return nil
}

// ReadStatus blocks until the init process either started the command or
// gave up, and returns the reported failure.
func ReadStatus(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read init status: %w", err)
	}
	msg := string(bytes.TrimSpace(data))
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
