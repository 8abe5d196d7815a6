package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateGitConfig keeps the developer's global and system git config out of
// the tests so pull behavior does not depend on pull.rebase and friends.
func isolateGitConfig(t *testing.T) {
	t.Helper()
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
}

func runGit(t *testing.T, args ...string) {
	t.Helper()
	if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

// initRepo creates a repo with an initial commit on the given branch.
func initRepo(t *testing.T, dir, branch string) {
	t.Helper()
	runGit(t, "init", "-b", branch, dir)
	setIdentity(t, dir)
	commitFile(t, dir, "index.html", "version1\n", "Initial commit")
}

func setIdentity(t *testing.T, dir string) {
	t.Helper()
	runGit(t, "-C", dir, "config", "user.email", "test@test.com")
	runGit(t, "-C", dir, "config", "user.name", "Test")
}

// commitFile creates or overwrites a file and commits it.
func commitFile(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repoDir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, "-C", repoDir, "add", name)
	runGit(t, "-C", repoDir, "commit", "-m", msg)
}

// cloneFixture returns a remote repo and a working copy cloned from it.
func cloneFixture(t *testing.T) (remoteDir, cloneDir string) {
	t.Helper()
	isolateGitConfig(t)

	remoteDir = t.TempDir()
	initRepo(t, remoteDir, "main")

	cloneDir = filepath.Join(t.TempDir(), "site")
	runGit(t, "clone", remoteDir, cloneDir)
	setIdentity(t, cloneDir)
	return remoteDir, cloneDir
}

// fakeGit writes an executable shell script standing in for git.
func fakeGit(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-git")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func TestClassify(t *testing.T) {
	upToDate := "Already up to date.\n\n"

	success := `remote: Enumerating objects: 5, done.
remote: Counting objects: 100% (5/5), done.
Unpacking objects: 100% (3/3), 630 bytes | 45.00 KiB/s, done.
remote: Total 3 (delta 0), reused 0 (delta 0), pack-reused 0
From github.com:paunstefan/test_repo
    5a837f4..4c38a65  main       -> origin/main
Updating 5a837f4..4c38a65
Fast-forward
    README.md | 4 +++-
    1 file changed, 3 insertions(+), 1 deletion(-)
`

	divergent := `remote: Enumerating objects: 5, done.
From github.com:paunstefan/test_repo
    4c38a65..e86551b  main       -> origin/main
hint: You have divergent branches and need to specify how to reconcile them.
hint: You can do so by running one of the following commands sometime before
hint: your next pull:
hint:
hint:   git config pull.rebase false  # merge (the default strategy)
hint:   git config pull.rebase true   # rebase
hint:   git config pull.ff only       # fast-forward only
fatal: Need to specify how to reconcile divergent branches.
`

	tests := []struct {
		name   string
		output string
		want   Outcome
	}{
		{name: "up to date", output: upToDate, want: Outcome{Kind: OutcomeUpToDate}},
		{name: "fast forward", output: success, want: Outcome{Kind: OutcomeSuccess}},
		{name: "divergent branches", output: divergent, want: Outcome{Kind: OutcomeFailed, Detail: divergent}},
		{name: "empty output", output: "", want: Outcome{Kind: OutcomeFailed, Detail: ""}},
		{name: "case sensitive", output: "updating 1..2", want: Outcome{Kind: OutcomeFailed, Detail: "updating 1..2"}},
		{name: "older hyphenated phrase", output: "Already up-to-date.", want: Outcome{Kind: OutcomeFailed, Detail: "Already up-to-date."}},
		{name: "first rule wins", output: "Updating\nAlready up to date.", want: Outcome{Kind: OutcomeUpToDate}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.output))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "UpToDate", Outcome{Kind: OutcomeUpToDate}.String())
	assert.Equal(t, "Success", Outcome{Kind: OutcomeSuccess}.String())
	assert.Equal(t, "Failed: fatal: boom\nhint: x\n", Outcome{Kind: OutcomeFailed, Detail: "fatal: boom\nhint: x\n"}.String())
}

func TestShellClientPull_UpToDate(t *testing.T) {
	_, cloneDir := cloneFixture(t)

	got, err := NewShellClient("", "").Pull(context.Background(), cloneDir)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, got.Kind)
}

func TestShellClientPull_FastForward(t *testing.T) {
	remoteDir, cloneDir := cloneFixture(t)
	commitFile(t, remoteDir, "index.html", "version2\n", "Update")

	got, err := NewShellClient("", "").Pull(context.Background(), cloneDir)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, got.Kind)

	content, err := os.ReadFile(filepath.Join(cloneDir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "version2\n", string(content))

	// A second pull has nothing left to do.
	got, err = NewShellClient("", "").Pull(context.Background(), cloneDir)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, got.Kind)
}

func TestShellClientPull_LocalChangesRefused(t *testing.T) {
	remoteDir, cloneDir := cloneFixture(t)
	commitFile(t, remoteDir, "index.html", "version2\n", "Update")

	// An uncommitted edit to the same file makes git refuse the merge.
	require.NoError(t, os.WriteFile(filepath.Join(cloneDir, "index.html"), []byte("local edit\n"), 0644))

	got, err := NewShellClient("", "").Pull(context.Background(), cloneDir)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, got.Kind)
	assert.Contains(t, got.Detail, "would be overwritten")
}

func TestShellClientPull_ClassifiesStreamByExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   Outcome
	}{
		{
			name:   "success reads stdout",
			script: `echo "Already up to date."; echo "Updating" >&2`,
			want:   Outcome{Kind: OutcomeUpToDate},
		},
		{
			name:   "failure reads stderr",
			script: `echo "Already up to date."; echo "fatal: refusing" >&2; exit 1`,
			want:   Outcome{Kind: OutcomeFailed, Detail: "fatal: refusing\n"},
		},
		{
			name:   "failure with progress on stderr",
			script: `echo "Updating 1..2" >&2; exit 1`,
			want:   Outcome{Kind: OutcomeSuccess},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewShellClient("", "", WithBinary(fakeGit(t, tt.script)))
			got, err := client.Pull(context.Background(), t.TempDir())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShellClientPull_ExecutionErrors(t *testing.T) {
	tests := []struct {
		name    string
		client  func(t *testing.T) *ShellClient
		dir     func(t *testing.T) string
		timeout time.Duration
		wantOp  string
	}{
		{
			name:   "missing working copy",
			client: func(t *testing.T) *ShellClient { return NewShellClient("", "") },
			dir:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing") },
			wantOp: "git pull",
		},
		{
			name: "missing executable",
			client: func(t *testing.T) *ShellClient {
				return NewShellClient("", "", WithBinary(filepath.Join(t.TempDir(), "no-such-git")))
			},
			dir:    func(t *testing.T) string { return t.TempDir() },
			wantOp: "git pull",
		},
		{
			name: "undecodable output",
			client: func(t *testing.T) *ShellClient {
				return NewShellClient("", "", WithBinary(fakeGit(t, `printf '\377\376'`)))
			},
			dir:    func(t *testing.T) string { return t.TempDir() },
			wantOp: "read git output",
		},
		{
			name: "timeout",
			client: func(t *testing.T) *ShellClient {
				return NewShellClient("", "", WithBinary(fakeGit(t, "exec sleep 5")))
			},
			dir:     func(t *testing.T) string { return t.TempDir() },
			timeout: 100 * time.Millisecond,
			wantOp:  "git pull",
		},
		{
			name: "unreadable token file",
			client: func(t *testing.T) *ShellClient {
				return NewShellClient("", filepath.Join(t.TempDir(), "no-token"))
			},
			dir:    func(t *testing.T) string { return t.TempDir() },
			wantOp: "configure git auth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}

			_, err := tt.client(t).Pull(ctx, tt.dir(t))
			require.Error(t, err)

			var execErr *ExecutionError
			require.True(t, errors.As(err, &execErr), "expected *ExecutionError, got %T", err)
			assert.Equal(t, tt.wantOp, execErr.Op)

			if tt.timeout > 0 {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			}
		})
	}
}

func TestConfigureAuth(t *testing.T) {
	t.Run("ssh key", func(t *testing.T) {
		cmd := exec.Command("git", "pull")
		c := NewShellClient("/keys/it's", "")
		require.NoError(t, c.configureAuth(cmd))

		var found string
		for _, kv := range cmd.Env {
			if strings.HasPrefix(kv, "GIT_SSH_COMMAND=") {
				found = kv
			}
		}
		assert.Equal(t, `GIT_SSH_COMMAND=ssh -i '/keys/it'\''s' -o StrictHostKeyChecking=accept-new -F /dev/null`, found)
		assert.Equal(t, []string{"git", "pull"}, cmd.Args)
	})

	t.Run("https token", func(t *testing.T) {
		tokenFile := filepath.Join(t.TempDir(), "token")
		require.NoError(t, os.WriteFile(tokenFile, []byte("ghp_abc\n"), 0600))

		cmd := exec.Command("git", "pull")
		c := NewShellClient("", tokenFile)
		require.NoError(t, c.configureAuth(cmd))

		assert.Contains(t, cmd.Env, "GREENHORN_GIT_TOKEN=ghp_abc")
		require.Len(t, cmd.Args, 4)
		assert.Equal(t, "-c", cmd.Args[1])
		assert.True(t, strings.HasPrefix(cmd.Args[2], "credential.helper="))
		assert.Equal(t, "pull", cmd.Args[3])
	})

	t.Run("no auth", func(t *testing.T) {
		cmd := exec.Command("git", "pull")
		require.NoError(t, NewShellClient("", "").configureAuth(cmd))
		assert.Equal(t, []string{"git", "pull"}, cmd.Args)
	})
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellQuote(tt.input); got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before subcommand",
			args:  []string{"git", "pull"},
			flags: []string{"-c", "key=value"},
			want:  []string{"git", "-c", "key=value", "pull"},
		},
		{
			name:  "keeps trailing args",
			args:  []string{"git", "pull", "--ff-only"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "pull", "--ff-only"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, insertGitFlags(tt.args, tt.flags...))
		})
	}
}
