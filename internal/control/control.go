// Package control reaches into running instances. The SSH controller
// is the production transport; the dispatcher depends only on the
// interface so tests can substitute a fake.
package control

import (
	"context"
	"os"
	"time"
)

// ExecRequest describes one remote command invocation
type ExecRequest struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration
}

// ExecResult is the captured outcome of a remote command
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Controller defines the interface for remote instance control
type Controller interface {
	// Close closes the connection
	Close() error

	// Exec runs a command on the remote host and captures its output.
	// A non-zero exit code is reported in the result, not as an error.
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)

	// Upload writes content to a file on the remote host
	Upload(remotePath, content string, mode os.FileMode) error

	// InstanceName returns the instance name
	InstanceName() string
}

// Factory opens a controller for an endpoint. The dispatcher and the
// deployment orchestrator hold a Factory rather than dialing directly.
type Factory func(config Config) (Controller, error)

// Config defines configuration for creating controllers
type Config struct {
	Host         string
	Port         int
	User         string
	PrivateKey   string // PEM-encoded private key content
	WaitTimeout  time.Duration
	DialTimeout  time.Duration
	InstanceName string
}

// NewController creates a new controller based on the config. Only SSH
// is supported.
func NewController(config Config) (Controller, error) {
	return NewSSH(config)
}
