// Package registry is the durable catalog of managed repositories. It turns
// user requests into engine commands and keeps per-repository status current
// from the engine's event stream.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/gitcloudd/internal/repo"
	"github.com/schaermu/gitcloudd/internal/store"
	gitcloud "github.com/schaermu/gitcloudd/internal/sync"
)

var (
	// ErrExists is returned when adding a name that is already registered
	ErrExists = errors.New("repository already exists")
	// ErrNotFound is returned for operations on an unknown name
	ErrNotFound = errors.New("repository not found")
	// ErrInvalid is returned for malformed repository records
	ErrInvalid = errors.New("invalid repository")
)

// Submitter hands commands to the sync engine
type Submitter interface {
	Submit(ctx context.Context, cmd repo.Command) error
}

// EventSource yields engine events
type EventSource interface {
	Poll(ctx context.Context, timeout time.Duration) (gitcloud.Event, bool)
}

// Entry is a repository record together with its runtime status
type Entry struct {
	repo.Repo
	Syncing    bool   `json:"syncing"`
	LastResult bool   `json:"lastResult"`
	LastError  string `json:"lastError,omitempty"`
}

type status struct {
	syncing    bool
	lastResult bool
	lastError  string
}

// Registry owns the persisted repository list
type Registry struct {
	ops    sync.Mutex // serializes mutating operations
	saveMu sync.Mutex // keeps saves in snapshot order

	mu     sync.Mutex // guards repos, status and dirty
	repos  []repo.Repo
	status map[string]*status
	dirty  bool

	store  store.Store
	submit Submitter
	logger *slog.Logger
}

// New loads the repository list from st
func New(ctx context.Context, st store.Store, submit Submitter, logger *slog.Logger) (*Registry, error) {
	repos, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		status: make(map[string]*status),
		store:  st,
		submit: submit,
		logger: logger,
	}
	seen := make(map[string]bool)
	for _, rp := range repos {
		if seen[rp.Name] {
			logger.Warn("dropping duplicate repository from store", "repo", rp.Name)
			r.dirty = true
			continue
		}
		seen[rp.Name] = true
		rp.Force = false
		r.repos = append(r.repos, rp)
		r.status[rp.Name] = &status{}
	}

	logger.Info("repository list loaded", "repos", len(r.repos))
	return r, nil
}

// ValidateName checks that name can serve as a working copy directory
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: name must not start with a dot: %s", ErrInvalid, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: name must not contain path separators: %s", ErrInvalid, name)
	}
	return nil
}

// Enabled returns copies of every repository that takes part in periodic
// syncs
func (r *Registry) Enabled() []repo.Repo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]repo.Repo, 0, len(r.repos))
	for _, rp := range r.repos {
		if !rp.Disabled {
			out = append(out, rp)
		}
	}
	return out
}

// List returns a copy of every record with its status
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.repos))
	for _, rp := range r.repos {
		e := Entry{Repo: rp}
		if st := r.status[rp.Name]; st != nil {
			e.Syncing = st.syncing
			e.LastResult = st.lastResult
			e.LastError = st.lastError
		}
		out = append(out, e)
	}
	return out
}

// Get returns the record registered under name
func (r *Registry) Get(name string) (repo.Repo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(name)
	if i < 0 {
		return repo.Repo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.repos[i], nil
}

// Add registers a new repository and, unless it is disabled, schedules it
func (r *Registry) Add(ctx context.Context, rp repo.Repo) error {
	if err := ValidateName(rp.Name); err != nil {
		return err
	}
	if rp.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	rp.Force = false
	rp.Branch = ""
	rp.LastSyncTime = 0

	r.ops.Lock()
	defer r.ops.Unlock()

	if _, err := r.Get(rp.Name); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, rp.Name)
	}

	if !rp.Disabled {
		if err := r.submit.Submit(ctx, repo.CommandFor(rp)); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.repos = append(r.repos, rp)
	r.status[rp.Name] = &status{}
	r.mu.Unlock()

	r.logger.Info("repository added", "repo", rp.Name, "url", rp.URL, "disabled", rp.Disabled, "rdonly", rp.ReadOnly)
	return r.save(ctx)
}

// Remove unregisters a repository. Its working copy stays on disk.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	if _, err := r.Get(name); err != nil {
		return err
	}

	if err := r.submit.Submit(ctx, repo.Command{Name: name, Disabled: true}); err != nil {
		return err
	}

	r.mu.Lock()
	if i := r.index(name); i >= 0 {
		r.repos = append(r.repos[:i], r.repos[i+1:]...)
	}
	delete(r.status, name)
	r.mu.Unlock()

	r.logger.Info("repository removed", "repo", name)
	return r.save(ctx)
}

// SetAutoSync enables or disables periodic syncing of a repository
func (r *Registry) SetAutoSync(ctx context.Context, name string, enabled bool) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	rp, err := r.Get(name)
	if err != nil {
		return err
	}
	if rp.Disabled == !enabled {
		return nil
	}

	rp.Disabled = !enabled
	cmd := repo.CommandFor(rp)
	if !enabled {
		cmd = repo.Command{Name: name, Disabled: true}
	}
	if err := r.submit.Submit(ctx, cmd); err != nil {
		return err
	}

	r.mu.Lock()
	if i := r.index(name); i >= 0 {
		r.repos[i].Disabled = rp.Disabled
	}
	r.mu.Unlock()

	r.logger.Info("auto sync changed", "repo", name, "enabled", enabled)
	return r.save(ctx)
}

// Sync requests an immediate sync of one repository. A disabled repository
// is synced once and stays disabled.
func (r *Registry) Sync(ctx context.Context, name string) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	rp, err := r.Get(name)
	if err != nil {
		return err
	}
	rp.Force = true

	r.logger.Info("sync requested", "repo", name)
	return r.submit.Submit(ctx, repo.CommandFor(rp))
}

// SyncURL forces every registered repository whose URL matches one of
// urls. It returns the names it scheduled.
func (r *Registry) SyncURL(ctx context.Context, urls ...string) ([]string, error) {
	want := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u != "" {
			want[normalizeURL(u)] = true
		}
	}

	var matched []string
	for _, e := range r.List() {
		if want[normalizeURL(e.URL)] {
			matched = append(matched, e.Name)
		}
	}

	for _, name := range matched {
		if err := r.Sync(ctx, name); err != nil {
			return nil, err
		}
	}
	return matched, nil
}

// normalizeURL strips the parts that differ between equivalent clone URLs
func normalizeURL(u string) string {
	u = strings.TrimSuffix(strings.TrimSpace(u), "/")
	return strings.TrimSuffix(u, ".git")
}

// Observe consumes engine events until ctx is cancelled. Sync times, the
// resolved branch and the last error are recorded; the list is persisted
// after each pass and whenever polling comes up empty.
func (r *Registry) Observe(ctx context.Context, events EventSource, pollTimeout time.Duration) error {
	defer func() {
		if err := r.SaveIfDirty(context.Background()); err != nil {
			r.logger.Error("failed to save repository list", "error", err)
		}
	}()

	for {
		ev, ok := events.Poll(ctx, pollTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !ok {
			if err := r.SaveIfDirty(ctx); err != nil {
				r.logger.Error("failed to save repository list", "error", err)
			}
			continue
		}
		r.Record(ctx, ev)
	}
}

// Record folds one engine event into the catalog
func (r *Registry) Record(ctx context.Context, ev gitcloud.Event) {
	switch ev.Kind {
	case gitcloud.RepoBegin:
		r.mu.Lock()
		if i := r.index(ev.Name); i >= 0 {
			r.repos[i].LastSyncTime = ev.Time.Unix()
			r.status[ev.Name].syncing = true
			r.dirty = true
		}
		r.mu.Unlock()

	case gitcloud.RepoEnd:
		r.mu.Lock()
		if i := r.index(ev.Name); i >= 0 {
			st := r.status[ev.Name]
			st.syncing = false
			st.lastResult = ev.Result
			st.lastError = ev.Error
			if ev.Branch != "" && r.repos[i].Branch != ev.Branch {
				r.repos[i].Branch = ev.Branch
				r.dirty = true
			}
		}
		r.mu.Unlock()

	case gitcloud.PassEnd:
		if err := r.SaveIfDirty(ctx); err != nil {
			r.logger.Error("failed to save repository list", "error", err)
		}
	}
}

// SaveIfDirty persists the list when events changed it since the last save
func (r *Registry) SaveIfDirty(ctx context.Context) error {
	r.mu.Lock()
	dirty := r.dirty
	r.mu.Unlock()
	if !dirty {
		return nil
	}
	return r.save(ctx)
}

func (r *Registry) save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	snapshot := make([]repo.Repo, len(r.repos))
	copy(snapshot, r.repos)
	r.dirty = false
	r.mu.Unlock()

	if err := r.store.Save(ctx, snapshot); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return fmt.Errorf("failed to save repository list: %w", err)
	}
	r.logger.Debug("repository list saved", "repos", len(snapshot))
	return nil
}

// index must be called with mu held
func (r *Registry) index(name string) int {
	for i := range r.repos {
		if r.repos[i].Name == name {
			return i
		}
	}
	return -1
}
