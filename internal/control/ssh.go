package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleetforge/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSH represents an SSH connection and provides methods for remote
// operations
type SSH struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	host         string
	user         string
	instanceName string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH creates a new SSH connection, waiting for the port to come up
// first
func NewSSH(config Config) (*SSH, error) {
	port := config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(config.Host, strconv.Itoa(port))

	if err := waitForSSH(addr, config.WaitTimeout); err != nil {
		return nil, fmt.Errorf("SSH not available after timeout: %w", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.DialTimeout,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("host", config.Host),
		zap.String("instance_name", config.InstanceName))

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &SSH{
		client:       client,
		sftpClient:   sftpClient,
		host:         config.Host,
		user:         config.User,
		instanceName: config.InstanceName,
	}, nil
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// InstanceName returns the instance name
func (s *SSH) InstanceName() string {
	return s.instanceName
}

// Exec runs a command on the remote host and captures its output
func (s *SSH) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	command := buildCommandLine(req)
	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	result := &ExecResult{}
	select {
	case err = <-done:
	case <-ctx.Done():
		// Tear the session down and wait for Run to return
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		result.TimedOut = true
		result.ExitCode = -1
		err = nil
	}
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			err = nil
		} else {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.String("stdout", escapeNewlines(logging.Truncate(result.Stdout))),
		zap.String("stderr", escapeNewlines(logging.Truncate(result.Stderr))),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut))

	return result, nil
}

// Upload writes content to a file on the remote host
func (s *SSH) Upload(remotePath, content string, mode os.FileMode) error {
	file, err := s.sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", file.Close)

	if _, err := file.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := s.sftpClient.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)
	}

	logging.Logger().Debug("Uploaded remote file",
		zap.String("path", remotePath),
		zap.Int("size_bytes", len(content)),
		zap.String("host", s.host))
	return nil
}

// buildCommandLine assembles the shell line for a request: environment
// assignments, optional working directory change, command and quoted
// arguments
func buildCommandLine(req ExecRequest) string {
	var sb strings.Builder

	if req.WorkingDir != "" {
		sb.WriteString("cd ")
		sb.WriteString(shellQuote(req.WorkingDir))
		sb.WriteString(" && ")
	}

	if len(req.Env) > 0 {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(shellQuote(req.Env[k]))
			sb.WriteString(" ")
		}
	}

	sb.WriteString(req.Command)
	for _, arg := range req.Args {
		sb.WriteString(" ")
		sb.WriteString(shellQuote(arg))
	}
	return sb.String()
}

// shellQuote single-quotes a value for POSIX shells
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>()*?[]#~%{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// waitForSSH waits for the SSH port to become available with timeout
func waitForSSH(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("addr", addr),
					zap.Error(closeErr))
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}

	return fmt.Errorf("SSH port not available after %v timeout", timeout)
}
