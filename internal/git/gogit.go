package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

var _ Puller = &GoGitClient{}

// GoGitClient implements Puller in-process with go-git. It reports the same
// three outcomes as ShellClient from go-git's typed results instead of parsing
// git's human-readable output.
type GoGitClient struct {
	remote         string
	ref            plumbing.ReferenceName
	sshKeyFile     string
	httpsTokenFile string
}

// GoGitOption customizes a GoGitClient
type GoGitOption func(c *GoGitClient)

// Remote sets the remote to pull from (default "origin")
func Remote(name string) GoGitOption {
	return func(c *GoGitClient) {
		c.remote = name
	}
}

// Branch pulls the given branch ref instead of the one HEAD tracks
func Branch(ref string) GoGitOption {
	return func(c *GoGitClient) {
		c.ref = plumbing.ReferenceName(ref)
	}
}

// SSHKeyFile authenticates SSH remotes with the given private key
func SSHKeyFile(path string) GoGitOption {
	return func(c *GoGitClient) {
		c.sshKeyFile = path
	}
}

// HTTPSTokenFile authenticates HTTPS remotes with the token stored in path
func HTTPSTokenFile(path string) GoGitOption {
	return func(c *GoGitClient) {
		c.httpsTokenFile = path
	}
}

// NewGoGitClient creates a Puller backed by go-git
func NewGoGitClient(opts ...GoGitOption) *GoGitClient {
	c := &GoGitClient{remote: gogit.DefaultRemoteName}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pull fast-forwards the working copy at dir
func (c *GoGitClient) Pull(ctx context.Context, dir string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, &ExecutionError{Op: "git pull", Err: err}
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return Outcome{}, &ExecutionError{Op: "open repository", Err: err}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return Outcome{}, &ExecutionError{Op: "open worktree", Err: err}
	}

	auth, err := c.authFor(repo)
	if err != nil {
		return Outcome{}, &ExecutionError{Op: "configure git auth", Err: err}
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    c.remote,
		ReferenceName: c.ref,
		Auth:          auth,
	})

	switch {
	case err == nil:
		return Outcome{Kind: OutcomeSuccess}, nil
	case errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return Outcome{Kind: OutcomeUpToDate}, nil
	case ctx.Err() != nil:
		return Outcome{}, &ExecutionError{Op: "git pull", Err: ctx.Err()}
	default:
		return Outcome{Kind: OutcomeFailed, Detail: err.Error()}, nil
	}
}

// authFor picks an auth method matching the scheme of the remote's URL
func (c *GoGitClient) authFor(repo *gogit.Repository) (transport.AuthMethod, error) {
	if c.sshKeyFile == "" && c.httpsTokenFile == "" {
		return nil, nil
	}

	remote, err := repo.Remote(c.remote)
	if err != nil {
		return nil, fmt.Errorf("remote %q: %w", c.remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("remote %q has no URL", c.remote)
	}
	url := urls[0]

	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		keys, err := gitssh.NewPublicKeysFromFile("git", c.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}
