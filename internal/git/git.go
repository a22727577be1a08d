package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Side selects one side of a conflicted three-way merge
type Side string

const (
	Ours   Side = "--ours"
	Theirs Side = "--theirs"
)

// Client is the version-control tool capability the sync engine drives.
// Every method is a blocking call into the underlying tool.
type Client interface {
	// Clone materializes url into dir
	Clone(ctx context.Context, url, dir string) error
	// Fetch retrieves remote updates without touching the working tree
	Fetch(ctx context.Context, dir, url string) error
	// HasChanges reports whether the working tree has anything to commit
	HasChanges(ctx context.Context, dir string) (bool, error)
	// CommitAll stages every change and commits it
	CommitAll(ctx context.Context, dir, message string) error
	// Merge integrates ref into the current branch
	Merge(ctx context.Context, dir, ref string) error
	// Unmerged lists the index entries of every conflicted path
	Unmerged(ctx context.Context, dir string) ([]IndexEntry, error)
	// Checkout replaces path in the working tree with one side of the merge
	Checkout(ctx context.Context, dir string, side Side, path string) error
	// Add stages path
	Add(ctx context.Context, dir, path string) error
	// Remove deletes path from the working tree and the index
	Remove(ctx context.Context, dir, path string) error
	// ReadBlob returns the content of the object id
	ReadBlob(ctx context.Context, dir, id string) ([]byte, error)
	// Commit records the index, concluding an in-progress merge
	Commit(ctx context.Context, dir, message string) error
	// Push sends branch to origin
	Push(ctx context.Context, dir, url, branch string) error
	// HeadBranch returns the branch HEAD points at
	HeadBranch(dir string) (string, error)
	// Tips returns the local and remote-tracking tips of branch
	Tips(dir, branch string) (Tips, error)
}

// ExitError reports a failed invocation of the git executable
type ExitError struct {
	Op     string
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("git %s failed (exit %d): %s", e.Op, e.Code, strings.TrimSpace(e.Output))
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	authorName     string
	authorEmail    string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// WithIdentity sets the author and committer used for automated commits.
// Empty values leave git's own configuration in charge.
func (c *ShellClient) WithIdentity(name, email string) *ShellClient {
	c.authorName = name
	c.authorEmail = email
	return c
}

// Clone clones url into dir, creating parent directories as needed
func (c *ShellClient) Clone(ctx context.Context, url, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", url, dir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	return c.run("clone", cmd)
}

// Fetch updates the remote-tracking refs of origin
func (c *ShellClient) Fetch(ctx context.Context, dir, url string) error {
	cmd := c.command(ctx, dir, "fetch", "origin")
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	return c.run("fetch", cmd)
}

// HasChanges reports whether git status lists anything
func (c *ShellClient) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := c.output("status", c.command(ctx, dir, "status", "--porcelain"))
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// CommitAll stages all changes, including deletions, and commits them
func (c *ShellClient) CommitAll(ctx context.Context, dir, message string) error {
	if err := c.run("add", c.command(ctx, dir, "add", "-A")); err != nil {
		return err
	}
	return c.run("commit", c.command(ctx, dir, "commit", "-q", "-m", message))
}

// Merge merges ref into HEAD without opening an editor. Messages stay
// untranslated so UntrackedInTheWay can read them.
func (c *ShellClient) Merge(ctx context.Context, dir, ref string) error {
	cmd := c.command(ctx, dir, "merge", "--no-edit", ref)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	return c.run("merge", cmd)
}

// Unmerged lists the unmerged index entries
func (c *ShellClient) Unmerged(ctx context.Context, dir string) ([]IndexEntry, error) {
	out, err := c.output("ls-files", c.command(ctx, dir, "ls-files", "-u", "-z"))
	if err != nil {
		return nil, err
	}
	return ParseUnmerged(out)
}

// Checkout writes one side of a conflicted path into the working tree
func (c *ShellClient) Checkout(ctx context.Context, dir string, side Side, path string) error {
	return c.run("checkout", c.command(ctx, dir, "checkout", string(side), "--", path))
}

// Add stages a single path
func (c *ShellClient) Add(ctx context.Context, dir, path string) error {
	return c.run("add", c.command(ctx, dir, "add", "--", path))
}

// Remove deletes path from the index and the working tree
func (c *ShellClient) Remove(ctx context.Context, dir, path string) error {
	return c.run("rm", c.command(ctx, dir, "rm", "-f", "-q", "--ignore-unmatch", "--", path))
}

// ReadBlob returns the raw content of a blob
func (c *ShellClient) ReadBlob(ctx context.Context, dir, id string) ([]byte, error) {
	return c.output("cat-file", c.command(ctx, dir, "cat-file", "blob", id))
}

// Commit commits the current index
func (c *ShellClient) Commit(ctx context.Context, dir, message string) error {
	return c.run("commit", c.command(ctx, dir, "commit", "-q", "--no-edit", "-m", message))
}

// Push pushes branch to origin
func (c *ShellClient) Push(ctx context.Context, dir, url, branch string) error {
	cmd := c.command(ctx, dir, "push", "origin", branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	return c.run("push", cmd)
}

// command builds a git invocation scoped to dir
func (c *ShellClient) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	if c.authorName != "" {
		cmd.Args = insertGitFlags(cmd.Args, "-c", "user.name="+c.authorName)
	}
	if c.authorEmail != "" {
		cmd.Args = insertGitFlags(cmd.Args, "-c", "user.email="+c.authorEmail)
	}
	return cmd
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels through the environment so it never appears in
		// the process arguments.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "GITCLOUD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITCLOUD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
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

// run executes a command and returns an *ExitError carrying the combined
// output on failure
func (c *ShellClient) run(op string, cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return exitError(op, err, output)
	}
	return nil
}

// output executes a command and returns its stdout
func (c *ShellClient) output(op string, cmd *exec.Cmd) ([]byte, error) {
	out, err := cmd.Output()
	if err != nil {
		var stderr []byte
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr = exitErr.Stderr
		}
		return nil, exitError(op, err, stderr)
	}
	return out, nil
}

func exitError(op string, err error, output []byte) *ExitError {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExitError{Op: op, Code: code, Output: string(output), Err: err}
}
