package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/gitcloudd/internal/git"
	"github.com/schaermu/gitcloudd/internal/repo"
)

// Stage names one step of the per-repository pipeline
type Stage string

const (
	StageMaterialize Stage = "materialize"
	StageFetch       Stage = "fetch"
	StageCommit      Stage = "commit"
	StageMerge       Stage = "merge"
	StagePush        Stage = "push"
)

// StageError records which stage stopped the pipeline
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result is the outcome of syncing one repository
type Result struct {
	Branch    string
	Cloned    bool
	Committed bool
	Merged    bool
	Conflicts int
	Pushed    bool
	Err       error
}

// OK reports whether every stage succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// FailedStage returns the stage that failed, or "" on success
func (r Result) FailedStage() Stage {
	var se *StageError
	if errors.As(r.Err, &se) {
		return se.Stage
	}
	return ""
}

// Pipeline runs fetch, local commit, merge and push for one repository
type Pipeline struct {
	git           git.Client
	resolver      *Resolver
	workspace     string
	commitMessage string
	logger        *slog.Logger
}

// NewPipeline creates a pipeline operating on working copies below workspace
func NewPipeline(client git.Client, resolver *Resolver, workspace, commitMessage string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		git:           client,
		resolver:      resolver,
		workspace:     workspace,
		commitMessage: commitMessage,
		logger:        logger,
	}
}

// Dir returns the working copy location of a repository
func (p *Pipeline) Dir(name string) string {
	return filepath.Join(p.workspace, name)
}

// SyncOne runs the pipeline for rp. The first failing stage ends it; the
// remaining stages are retried on the next pass.
func (p *Pipeline) SyncOne(ctx context.Context, rp repo.Repo) Result {
	dir := p.Dir(rp.Name)
	logger := p.logger.With("repo", rp.Name)
	res := Result{Branch: rp.Branch}

	fail := func(stage Stage, err error) Result {
		res.Err = &StageError{Stage: stage, Err: err}
		logger.Warn("sync stage failed", "stage", stage, "error", err)
		return res
	}

	// Materialize
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return fail(StageMaterialize, err)
		}
		logger.Info("cloning repository", "url", rp.URL, "dest", dir)
		if err := p.git.Clone(ctx, rp.URL, dir); err != nil {
			return fail(StageMaterialize, err)
		}
		res.Cloned = true
		res.Branch = ""
		if err := SeedExcludes(dir, DefaultExcludes); err != nil {
			return fail(StageMaterialize, err)
		}
	}
	if res.Branch == "" {
		branch, err := p.git.HeadBranch(dir)
		if err != nil {
			return fail(StageMaterialize, err)
		}
		res.Branch = branch
		logger.Debug("resolved branch", "branch", branch)
	}

	// Fetch
	if err := p.git.Fetch(ctx, dir, rp.URL); err != nil {
		return fail(StageFetch, err)
	}

	// An interrupted resolution is finished before anything else is
	// committed, so conflict markers never reach a commit
	if mergeInProgress(dir) {
		logger.Info("finishing interrupted merge")
		n, err := p.resolver.Resume(ctx, dir)
		if err != nil {
			return fail(StageMerge, err)
		}
		res.Conflicts = n
	}

	// Local commit
	if !rp.ReadOnly {
		changed, err := p.git.HasChanges(ctx, dir)
		if err != nil {
			return fail(StageCommit, err)
		}
		if changed {
			if err := p.git.CommitAll(ctx, dir, p.commitMessage); err != nil {
				return fail(StageCommit, err)
			}
			res.Committed = true
			logger.Info("committed local changes")
		}
	}

	// Merge
	tips, err := p.git.Tips(dir, res.Branch)
	if err != nil {
		return fail(StageMerge, err)
	}
	if tips.Remote != "" && tips.Remote != tips.Local {
		ref := git.RemoteRef(res.Branch)
		mergeErr := p.git.Merge(ctx, dir, ref)
		if paths := git.UntrackedInTheWay(mergeErr); len(paths) > 0 {
			logger.Info("untracked files block the merge, moving them aside", "paths", paths)
			if err := p.resolver.MoveAside(dir, paths); err != nil {
				return fail(StageMerge, err)
			}
			mergeErr = p.git.Merge(ctx, dir, ref)
		}
		if mergeErr != nil {
			logger.Info("merge reported conflicts, resolving", "error", mergeErr)
			n, err := p.resolver.Resolve(ctx, dir)
			if err != nil {
				return fail(StageMerge, fmt.Errorf("%w (after %v)", err, mergeErr))
			}
			res.Conflicts += n
			logger.Info("conflicts resolved", "paths", n)
		}
		res.Merged = true
	}

	if rp.ReadOnly {
		return res
	}

	// Push
	tips, err = p.git.Tips(dir, res.Branch)
	if err != nil {
		return fail(StagePush, err)
	}
	if !tips.Ahead() {
		logger.Debug("nothing to push")
		return res
	}
	if err := p.git.Push(ctx, dir, rp.URL, res.Branch); err != nil {
		return fail(StagePush, err)
	}
	res.Pushed = true
	logger.Info("pushed", "branch", res.Branch)

	return res
}
