//go:build integration

package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

const (
	defaultTimeout = 5 * time.Minute
	stopTimeout    = 10 * time.Second
)

// Harness builds the gitcloudd binary and runs it as a daemon against a
// private workspace
type Harness struct {
	t          *testing.T
	binary     string
	configPath string
	workspace  string
	addr       string
	keepOnFail bool

	cmd  *exec.Cmd
	done chan error
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()
	return &Harness{
		t:          t,
		binary:     filepath.Join(dir, "gitcloudd"),
		configPath: filepath.Join(dir, "config.yaml"),
		workspace:  filepath.Join(dir, "workspace"),
		keepOnFail: os.Getenv("INTEGRATION_KEEP_WORKSPACE") == "1",
	}
}

// Workspace returns the daemon's workspace directory
func (h *Harness) Workspace() string {
	return h.workspace
}

// BuildBinary compiles cmd/gitcloudd
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/gitcloudd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	h.t.Logf("Binary %s built successfully", h.binary)
	return nil
}

// WriteConfig writes a config enabling the control API on a free port
func (h *Harness) WriteConfig(extra string) error {
	h.t.Helper()

	addr, err := freeAddr()
	if err != nil {
		return err
	}
	h.addr = addr

	config := fmt.Sprintf(`workspace: %s
sync:
  interval: 600
git:
  author_name: Integration
  author_email: integration@example.com
serve:
  enabled: true
  listen_addr: %s
%s`, h.workspace, h.addr, extra)

	return os.WriteFile(h.configPath, []byte(config), 0o600)
}

// Start launches "gitcloudd run" and waits until the control API answers
func (h *Harness) Start(ctx context.Context) error {
	h.t.Helper()
	h.t.Log("Starting daemon")

	h.cmd = exec.Command(h.binary, "run", "--config", h.configPath, "--log-level", "debug")
	h.cmd.Stdout = &testWriter{t: h.t, prefix: "[daemon] "}
	h.cmd.Stderr = &testWriter{t: h.t, prefix: "[daemon] "}
	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	h.done = make(chan error, 1)
	go func() { h.done <- h.cmd.Wait() }()

	return h.WaitFor(ctx, 10*time.Second, func() bool {
		_, _, code, err := h.Exec(ctx, "repo", "ls")
		return err == nil && code == 0
	})
}

// Stop sends SIGTERM and waits for the daemon to exit
func (h *Harness) Stop() error {
	h.t.Helper()
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	select {
	case err := <-h.done:
		h.cmd = nil
		return err
	case <-time.After(stopTimeout):
		_ = h.cmd.Process.Kill()
		return fmt.Errorf("daemon did not stop within %s", stopTimeout)
	}
}

// Cleanup stops a daemon that is still running
func (h *Harness) Cleanup() {
	h.t.Helper()
	if err := h.Stop(); err != nil {
		h.t.Logf("Warning: failed to stop daemon: %v", err)
	}

	if h.keepOnFail && h.t.Failed() {
		kept, err := os.MkdirTemp("", "gitcloudd-integration-")
		if err == nil && os.Rename(h.workspace, filepath.Join(kept, "workspace")) == nil {
			h.t.Logf("Test failed and INTEGRATION_KEEP_WORKSPACE=1, workspace kept at %s", kept)
		}
	}
}

// Exec runs a gitcloudd client command against the daemon
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append(args, "--config", h.configPath, "--addr", h.addr)
	execCmd := exec.CommandContext(ctx, h.binary, args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec executes a command and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// WaitFor polls cond until it holds or timeout passes
func (h *Harness) WaitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// FileExists checks if a file exists below the workspace
func (h *Harness) FileExists(path string) bool {
	_, err := os.Stat(filepath.Join(h.workspace, path))
	return err == nil
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("find free port: %w", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr, nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
