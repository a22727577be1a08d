package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/gitcloudd/internal/git"
	"github.com/schaermu/gitcloudd/internal/repo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a scripted git.Client that records every call
type fakeClient struct {
	mu       sync.Mutex
	calls    []string
	errs     map[string]error
	branch   string
	changes  bool
	tips     []git.Tips
	unmerged []git.IndexEntry
	blobs    map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		errs:   make(map[string]error),
		branch: "main",
		blobs:  make(map[string][]byte),
	}
}

func (f *fakeClient) record(op string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := op
	for _, a := range args {
		call += fmt.Sprintf(" %v", a)
	}
	f.calls = append(f.calls, call)
	return f.errs[op]
}

func (f *fakeClient) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeClient) called(op string) bool {
	for _, c := range f.ops() {
		if c == op || strings.HasPrefix(c, op+" ") {
			return true
		}
	}
	return false
}

func (f *fakeClient) Clone(ctx context.Context, url, dir string) error {
	if err := f.record("clone", url); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(dir, ".git"), 0755)
}

func (f *fakeClient) Fetch(ctx context.Context, dir, url string) error {
	return f.record("fetch")
}

func (f *fakeClient) HasChanges(ctx context.Context, dir string) (bool, error) {
	if err := f.record("status"); err != nil {
		return false, err
	}
	return f.changes, nil
}

func (f *fakeClient) CommitAll(ctx context.Context, dir, message string) error {
	return f.record("commit-all", message)
}

func (f *fakeClient) Merge(ctx context.Context, dir, ref string) error {
	return f.record("merge", ref)
}

func (f *fakeClient) Unmerged(ctx context.Context, dir string) ([]git.IndexEntry, error) {
	if err := f.record("unmerged"); err != nil {
		return nil, err
	}
	return f.unmerged, nil
}

func (f *fakeClient) Checkout(ctx context.Context, dir string, side git.Side, path string) error {
	return f.record("checkout", side, path)
}

func (f *fakeClient) Add(ctx context.Context, dir, path string) error {
	return f.record("add", path)
}

func (f *fakeClient) Remove(ctx context.Context, dir, path string) error {
	return f.record("rm", path)
}

func (f *fakeClient) ReadBlob(ctx context.Context, dir, id string) ([]byte, error) {
	if err := f.record("cat-file", id); err != nil {
		return nil, err
	}
	content, ok := f.blobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown blob %s", id)
	}
	return content, nil
}

func (f *fakeClient) Commit(ctx context.Context, dir, message string) error {
	return f.record("commit", message)
}

func (f *fakeClient) Push(ctx context.Context, dir, url, branch string) error {
	return f.record("push", branch)
}

func (f *fakeClient) HeadBranch(dir string) (string, error) {
	if err := f.record("head"); err != nil {
		return "", err
	}
	return f.branch, nil
}

// Tips hands out the scripted values in order and repeats the last one
func (f *fakeClient) Tips(dir, branch string) (git.Tips, error) {
	if err := f.record("tips", branch); err != nil {
		return git.Tips{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tips) == 0 {
		return git.Tips{}, nil
	}
	t := f.tips[0]
	if len(f.tips) > 1 {
		f.tips = f.tips[1:]
	}
	return t, nil
}

// fakeSyncer records which repositories were synced
type fakeSyncer struct {
	mu      sync.Mutex
	synced  []string
	results map[string]Result
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{results: make(map[string]Result)}
}

func (f *fakeSyncer) SyncOne(ctx context.Context, rp repo.Repo) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, rp.Name)
	if res, ok := f.results[rp.Name]; ok {
		return res
	}
	return Result{Branch: "main"}
}

func (f *fakeSyncer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.synced {
		if s == name {
			n++
		}
	}
	return n
}

// makeWorkingCopy creates the .git marker so the pipeline skips cloning
func makeWorkingCopy(t *testing.T, workspace, name string) string {
	t.Helper()
	dir := filepath.Join(workspace, name)
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}
