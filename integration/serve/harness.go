//go:build integration

package serve

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/paunstefan/greenhorn-deploy/internal/testutil"
)

const (
	binaryName     = "greenhorn-deploy"
	testSecret     = "integration-secret"
	testRepo       = "paunstefan/test_repo"
	defaultTimeout = 5 * time.Minute
	startupTimeout = 10 * time.Second
)

// Harness builds the binary once and runs it against throwaway repositories
type Harness struct {
	t      *testing.T
	binary string
	cmd    *exec.Cmd
	addr   string
	exited chan error
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{t: t}
}

// BuildBinary compiles cmd/greenhorn-deploy into a temporary directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), binaryName)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/"+binaryName)
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Serve starts "greenhorn-deploy serve <addr> <repoPath>" on a free port
// and waits until it accepts connections.
func (h *Harness) Serve(ctx context.Context, repoPath string, extraArgs ...string) error {
	h.t.Helper()

	addr, err := freeAddr()
	if err != nil {
		return err
	}

	args := append([]string{"serve", addr, repoPath, "--repo", testRepo}, extraArgs...)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = h.env()
	return h.start(ctx, cmd, addr)
}

// ServeActivated hands the binary an already listening socket the way
// systemd does, through fd 3 and LISTEN_PID/LISTEN_FDS.
func (h *Harness) ServeActivated(ctx context.Context, repoPath string) error {
	h.t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	file, err := ln.(*net.TCPListener).File()
	_ = ln.Close()
	if err != nil {
		return fmt.Errorf("listener file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	// The shell execs the binary, so $$ is the server's PID.
	script := `export LISTEN_PID=$$ LISTEN_FDS=1; exec "$0" "$@"`
	cmd := exec.CommandContext(ctx, "sh", "-c", script, h.binary,
		"serve", "--listen", "127.0.0.1:1", "--path", repoPath, "--repo", testRepo)
	cmd.Env = h.env()
	cmd.ExtraFiles = []*os.File{file}
	return h.start(ctx, cmd, ln.Addr().String())
}

func (h *Harness) env() []string {
	return append(os.Environ(),
		"HOME="+h.t.TempDir(),
		"GIT_CONFIG_GLOBAL="+os.DevNull,
		"GIT_CONFIG_NOSYSTEM=1",
		"GREENHORN_DEPLOY_SIGNATURE="+testSecret,
	)
}

func (h *Harness) start(ctx context.Context, cmd *exec.Cmd, addr string) error {
	cmd.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[serve] "}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	h.cmd = cmd
	h.addr = addr
	h.exited = make(chan error, 1)
	go func() {
		h.exited <- cmd.Wait()
	}()

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-h.exited:
			return fmt.Errorf("server exited during startup: %v", err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server did not listen on %s within %s", addr, startupTimeout)
}

// Stop sends SIGTERM and returns the exit error of the server
func (h *Harness) Stop() error {
	h.t.Helper()
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-h.exited:
		h.cmd = nil
		return err
	case <-time.After(15 * time.Second):
		_ = h.cmd.Process.Kill()
		return fmt.Errorf("server did not stop after SIGTERM")
	}
}

// Cleanup stops a server that is still running
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.cmd == nil {
		return
	}
	if err := h.Stop(); err != nil {
		h.t.Logf("Warning: failed to stop server: %v", err)
	}
}

// Deliver posts body to /payload signed with secret and returns the status
// code and response body.
func (h *Harness) Deliver(ctx context.Context, body []byte, secret string) (int, string, error) {
	h.t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+h.addr+"/payload", bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign(body, secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(got), nil
}

// MustDeliver delivers and fails the test on transport errors
func (h *Harness) MustDeliver(ctx context.Context, body []byte, secret string) (int, string) {
	h.t.Helper()
	status, got, err := h.Deliver(ctx, body, secret)
	if err != nil {
		h.t.Fatalf("deliver: %v", err)
	}
	return status, got
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushBody(ref string) []byte {
	return []byte(fmt.Sprintf(`{"ref":%q,"repository":{"full_name":%q}}`, ref, testRepo))
}

func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("find free port: %w", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr, nil
}

// Fixture is an upstream repository and a deployed clone of it
type Fixture struct {
	t      *testing.T
	Remote string
	Clone  string
}

// NewFixture creates an upstream with one commit on main and clones it
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	root := t.TempDir()
	f := &Fixture{
		t:      t,
		Remote: filepath.Join(root, "upstream"),
		Clone:  filepath.Join(root, "deployed"),
	}
	if err := os.MkdirAll(f.Remote, 0o755); err != nil {
		t.Fatalf("mkdir upstream: %v", err)
	}

	f.git(f.Remote, "init", "-b", "main")
	f.identity(f.Remote)
	f.Commit(f.Remote, "index.html", "<h1>v1</h1>\n", "Initial commit")
	f.git(root, "clone", f.Remote, f.Clone)
	f.identity(f.Clone)

	return f
}

// Commit writes name in dir and commits it
func (f *Fixture) Commit(dir, name, content, msg string) {
	f.t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", name, err)
	}
	f.git(dir, "add", name)
	f.git(dir, "commit", "-m", msg)
}

// ReadDeployed returns the content of name in the clone
func (f *Fixture) ReadDeployed(name string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.Clone, name))
	if err != nil {
		f.t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func (f *Fixture) identity(dir string) {
	f.git(dir, "config", "user.email", "test@example.com")
	f.git(dir, "config", "user.name", "Test User")
}

func (f *Fixture) git(dir string, args ...string) {
	f.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_CONFIG_GLOBAL="+os.DevNull, "GIT_CONFIG_NOSYSTEM=1")
	if out, err := cmd.CombinedOutput(); err != nil {
		f.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
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
