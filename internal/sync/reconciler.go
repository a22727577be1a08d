package sync

import (
	"log/slog"
	"sync"

	"github.com/schaermu/gitcloudd/internal/repo"
)

// Action tells the engine what to do after a command has been applied
type Action int

const (
	// Proceed starts a pass right away
	Proceed Action = iota
	// Skip keeps waiting for the next scheduled pass
	Skip
)

func (a Action) String() string {
	if a == Proceed {
		return "proceed"
	}
	return "skip"
}

// Reconciler owns the live set of repositories. Names are unique within the
// set. All access goes through the mutex so readers on other goroutines get
// consistent copies; records are never handed out by reference.
type Reconciler struct {
	mu     sync.Mutex
	repos  []repo.Repo
	logger *slog.Logger
}

// NewReconciler seeds the live set with copies of initial. Later duplicates
// of a name are ignored.
func NewReconciler(initial []repo.Repo, logger *slog.Logger) *Reconciler {
	r := &Reconciler{logger: logger}
	for _, rp := range initial {
		if r.index(rp.Name) >= 0 {
			logger.Warn("ignoring duplicate repository", "repo", rp.Name)
			continue
		}
		rp.Force = false
		r.repos = append(r.repos, rp)
	}
	return r
}

// Apply merges one command into the live set
func (r *Reconciler) Apply(cmd repo.Command) Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd.Name == "" {
		r.logger.Warn("ignoring command without repository name", "url", cmd.URL)
		return Skip
	}

	i := r.index(cmd.Name)

	if cmd.Disabled && !cmd.Force {
		if i < 0 {
			r.logger.Debug("remove for unknown repository ignored", "repo", cmd.Name)
			return Skip
		}
		r.repos = append(r.repos[:i], r.repos[i+1:]...)
		r.logger.Info("repository removed from sync", "repo", cmd.Name)
		return Skip
	}

	if i >= 0 {
		r.repos[i].Disabled = cmd.Disabled
		r.repos[i].Force = cmd.Force
		r.logger.Info("repository updated", "repo", cmd.Name, "disabled", cmd.Disabled, "force", cmd.Force)
		return Proceed
	}

	if cmd.URL == "" {
		r.logger.Warn("ignoring command for unknown repository without url", "repo", cmd.Name)
		return Skip
	}

	r.repos = append(r.repos, repo.Repo{
		Name:     cmd.Name,
		URL:      cmd.URL,
		ReadOnly: cmd.ReadOnly,
		Disabled: cmd.Disabled,
		Force:    cmd.Force,
	})
	r.logger.Info("repository added to sync", "repo", cmd.Name, "url", cmd.URL)
	return Proceed
}

// Selected returns copies of the repositories the next pass must sync:
// every enabled one plus disabled ones with a pending force request.
func (r *Reconciler) Selected() []repo.Repo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]repo.Repo, 0, len(r.repos))
	for _, rp := range r.repos {
		if !rp.Disabled || rp.Force {
			out = append(out, rp)
		}
	}
	return out
}

// Snapshot returns a copy of the whole live set
func (r *Reconciler) Snapshot() []repo.Repo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]repo.Repo, len(r.repos))
	copy(out, r.repos)
	return out
}

// SetBranch caches the resolved branch of a repository still in the set
func (r *Reconciler) SetBranch(name, branch string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.index(name); i >= 0 {
		r.repos[i].Branch = branch
	}
}

// Prune runs after every pass. Disabled repositories leave the set, and the
// one-shot force flag is cleared on the ones that stay.
func (r *Reconciler) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.repos[:0]
	for _, rp := range r.repos {
		if rp.Disabled {
			r.logger.Debug("evicting disabled repository", "repo", rp.Name)
			continue
		}
		rp.Force = false
		kept = append(kept, rp)
	}
	clear(r.repos[len(kept):])
	r.repos = kept
}

// index must be called with mu held
func (r *Reconciler) index(name string) int {
	for i := range r.repos {
		if r.repos[i].Name == name {
			return i
		}
	}
	return -1
}
