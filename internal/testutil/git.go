// Package testutil builds throwaway git remotes and working copies for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Identity used for every commit made by the helpers
const (
	AuthorName  = "Test"
	AuthorEmail = "test@test.com"
)

// RequireGit skips the test when no git executable is available
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Git runs git with args in dir and returns trimmed stdout
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+AuthorName,
		"GIT_AUTHOR_EMAIL="+AuthorEmail,
		"GIT_COMMITTER_NAME="+AuthorName,
		"GIT_COMMITTER_EMAIL="+AuthorEmail,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// NewRemote creates an empty bare repository whose default branch is main
func NewRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "origin.git")
	if out, err := exec.Command("git", "init", "-q", "--bare", "-b", "main", dir).CombinedOutput(); err != nil {
		t.Fatalf("init bare: %v: %s", err, out)
	}
	return dir
}

// Clone makes a working copy of remote that plays "another party"
func Clone(t *testing.T, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "peer")
	if out, err := exec.Command("git", "clone", "-q", remote, dir).CombinedOutput(); err != nil {
		t.Fatalf("clone: %v: %s", err, out)
	}
	return dir
}

// WriteFile writes content to name inside dir, creating parents
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of name inside dir
func ReadFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// CommitFile writes, stages and commits a single file
func CommitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	WriteFile(t, dir, name, content)
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "-q", "-m", msg)
}

// CommitAndPush commits a file in a peer working copy and pushes it to main
func CommitAndPush(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	CommitFile(t, dir, name, content, msg)
	Git(t, dir, "push", "-q", "origin", "HEAD:main")
}

// SeedRemote creates a bare remote holding one commit with the given files
func SeedRemote(t *testing.T, files map[string]string) string {
	t.Helper()
	remote := NewRemote(t)
	peer := Clone(t, remote)
	Git(t, peer, "symbolic-ref", "HEAD", "refs/heads/main")
	for name, content := range files {
		WriteFile(t, peer, name, content)
	}
	Git(t, peer, "add", "-A")
	Git(t, peer, "commit", "-q", "-m", "seed")
	Git(t, peer, "push", "-q", "origin", "main")
	return remote
}
