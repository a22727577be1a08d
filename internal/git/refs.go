package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RemoteName is the remote every managed working copy is cloned from
const RemoteName = "origin"

// ErrDetachedHead is returned when HEAD does not name a branch
var ErrDetachedHead = errors.New("HEAD is detached")

// Tips holds the commit ids of a branch and its remote-tracking counterpart.
// An empty id means the ref does not exist yet.
type Tips struct {
	Local  string
	Remote string
}

// Ahead reports whether the local branch holds commits the remote has not
// seen, judged by tip identity
func (t Tips) Ahead() bool {
	return t.Local != "" && t.Local != t.Remote
}

// HeadBranch reads the symbolic HEAD of the working copy at dir. It works on
// freshly cloned empty repositories whose branch has no commit yet.
func (c *ShellClient) HeadBranch(dir string) (string, error) {
	r, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	head, err := r.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return "", ErrDetachedHead
	}

	return head.Target().Short(), nil
}

// Tips resolves refs/heads/<branch> and refs/remotes/origin/<branch>
func (c *ShellClient) Tips(dir, branch string) (Tips, error) {
	r, err := gogit.PlainOpen(dir)
	if err != nil {
		return Tips{}, fmt.Errorf("failed to open repository: %w", err)
	}

	local, err := resolveRef(r, plumbing.NewBranchReferenceName(branch))
	if err != nil {
		return Tips{}, err
	}
	remote, err := resolveRef(r, plumbing.NewRemoteReferenceName(RemoteName, branch))
	if err != nil {
		return Tips{}, err
	}

	return Tips{Local: local, Remote: remote}, nil
}

func resolveRef(r *gogit.Repository, name plumbing.ReferenceName) (string, error) {
	ref, err := r.Reference(name, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	return ref.Hash().String(), nil
}

// RemoteRef returns the remote-tracking ref a branch is merged from
func RemoteRef(branch string) string {
	return RemoteName + "/" + branch
}
