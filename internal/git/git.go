package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

const waitDelay = 5 * time.Second

// Puller brings a working copy up to date with its upstream branch
type Puller interface {
	// Pull updates the working copy at dir. The error is always an
	// *ExecutionError; a refused pull is reported through the Outcome.
	Pull(ctx context.Context, dir string) (Outcome, error)
}

// ShellClient implements Puller by shelling out to the git command
type ShellClient struct {
	binary         string
	sshKeyFile     string
	httpsTokenFile string
}

// ShellOption customizes a ShellClient
type ShellOption func(c *ShellClient)

// WithBinary runs the given executable instead of "git"
func WithBinary(path string) ShellOption {
	return func(c *ShellClient) {
		c.binary = path
	}
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string, opts ...ShellOption) *ShellClient {
	c := &ShellClient{
		binary:         "git",
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pull runs "git pull" inside dir. Stdout is classified when git exits
// successfully, stderr otherwise.
func (c *ShellClient) Pull(ctx context.Context, dir string) (Outcome, error) {
	cmd := exec.CommandContext(ctx, c.binary, "pull")
	cmd.Dir = dir
	// git may leave helpers (ssh, remote-https) holding the output pipes after
	// it is killed; do not wait on them forever.
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")
	if err := c.configureAuth(cmd); err != nil {
		return Outcome{}, &ExecutionError{Op: "configure git auth", Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// A killed process also reports an ExitError, so check the context first.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome{}, &ExecutionError{Op: "git pull", Err: ctxErr}
	}

	output := stdout.Bytes()
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Outcome{}, &ExecutionError{Op: "git pull", Err: runErr}
		}
		output = stderr.Bytes()
	}

	if !utf8.Valid(output) {
		return Outcome{}, &ExecutionError{Op: "read git output", Err: errInvalidOutput}
	}

	return Classify(string(output)), nil
}

// configureAuth sets up authentication for git operations. Each method only
// affects remotes of its own scheme, so it is safe to set without knowing the
// working copy's remote URL.
func (c *ShellClient) configureAuth(cmd *exec.Cmd) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return err
		}

		// The token travels in the environment and a credential helper echoes
		// it back, so it never appears in the process arguments.
		cmd.Env = append(cmd.Env, "GREENHORN_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GREENHORN_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// readToken reads an access token file and trims surrounding whitespace
func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
